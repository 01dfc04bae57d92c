package models

import (
	"fmt"
	"strings"
	"time"
)

// PolicyMode 电源策略模式
type PolicyMode int32

const (
	// ModePerformance 最高性能
	ModePerformance PolicyMode = iota
	// ModeBalanced 性能与功耗平衡（初始模式）
	ModeBalanced
	// ModePowerSaver 最长续航
	ModePowerSaver
	// ModeCustom 自定义设置
	ModeCustom
)

func (m PolicyMode) String() string {
	switch m {
	case ModePerformance:
		return "Performance"
	case ModeBalanced:
		return "Balanced"
	case ModePowerSaver:
		return "PowerSaver"
	case ModeCustom:
		return "Custom"
	default:
		return fmt.Sprintf("PolicyMode(%d)", int32(m))
	}
}

// ParsePolicyMode 解析模式名称（大小写不敏感）
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "performance":
		return ModePerformance, nil
	case "balanced":
		return ModeBalanced, nil
	case "powersaver", "power_saver", "power-saver":
		return ModePowerSaver, nil
	case "custom":
		return ModeCustom, nil
	default:
		return 0, fmt.Errorf("%w: unknown policy mode %q", ErrInvalidArgument, s)
	}
}

// MarshalText 以名称形式序列化
func (m PolicyMode) MarshalText() ([]byte, error) {
	if m < ModePerformance || m > ModeCustom {
		return nil, fmt.Errorf("%w: unknown policy mode %d", ErrInvalidArgument, int32(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText 解析模式名称
func (m *PolicyMode) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicyMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PCoreBiasFactor 模式对 P 核偏好的缩放系数
func (m PolicyMode) PCoreBiasFactor() float64 {
	switch m {
	case ModeBalanced:
		return 0.7
	case ModePowerSaver:
		return 0.3
	default:
		return 1.0
	}
}

// MaxPerfBias 性能偏置的最大值（15 = 最省电）
const MaxPerfBias = 15

// PolicySettings 电源策略设置，整体替换
type PolicySettings struct {
	Mode         PolicyMode `json:"mode" yaml:"mode"`
	CPUMaxFreq   uint32     `json:"cpu_max_freq" yaml:"cpu_max_freq"` // MHz
	CPUMinFreq   uint32     `json:"cpu_min_freq" yaml:"cpu_min_freq"` // MHz
	TurboEnabled bool       `json:"turbo_enabled" yaml:"turbo_enabled"`
	PerfBias     uint8      `json:"perf_bias" yaml:"perf_bias"` // 0 = 性能, 15 = 省电
	TempTargetC  int32      `json:"temp_target_c" yaml:"temp_target_c"`
}

// Validate 检查频率区间和性能偏置
func (s PolicySettings) Validate() error {
	if s.CPUMaxFreq == 0 {
		return fmt.Errorf("%w: cpu_max_freq must be positive", ErrInvalidArgument)
	}
	if s.CPUMinFreq > s.CPUMaxFreq {
		return fmt.Errorf("%w: cpu_min_freq %d exceeds cpu_max_freq %d", ErrInvalidArgument, s.CPUMinFreq, s.CPUMaxFreq)
	}
	if s.PerfBias > MaxPerfBias {
		return fmt.Errorf("%w: perf_bias %d out of [0,%d]", ErrInvalidArgument, s.PerfBias, MaxPerfBias)
	}
	return nil
}

// TargetFrequency 根据利用率(0-1)在 [min,max] 区间内线性插值
func (s PolicySettings) TargetFrequency(utilization float64) uint32 {
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 1 {
		utilization = 1
	}
	span := float64(s.CPUMaxFreq - s.CPUMinFreq)
	target := s.CPUMinFreq + uint32(span*utilization)
	if target < s.CPUMinFreq {
		return s.CPUMinFreq
	}
	if target > s.CPUMaxFreq {
		return s.CPUMaxFreq
	}
	return target
}

// DefaultPolicySettings 启动时的设置：Balanced 模式，保留 P 核的 4.7GHz 上限
func DefaultPolicySettings() PolicySettings {
	return PolicySettings{
		Mode:         ModeBalanced,
		CPUMaxFreq:   4700,
		CPUMinFreq:   800,
		TurboEnabled: true,
		PerfBias:     7,
		TempTargetC:  75,
	}
}

// ModeTemplate 返回固定模式对应的设置模板；Custom 没有模板
func ModeTemplate(mode PolicyMode) (PolicySettings, bool) {
	switch mode {
	case ModePerformance:
		return PolicySettings{Mode: mode, CPUMaxFreq: 4700, CPUMinFreq: 1200, TurboEnabled: true, PerfBias: 0, TempTargetC: 85}, true
	case ModeBalanced:
		return PolicySettings{Mode: mode, CPUMaxFreq: 3600, CPUMinFreq: 800, TurboEnabled: true, PerfBias: 7, TempTargetC: 75}, true
	case ModePowerSaver:
		return PolicySettings{Mode: mode, CPUMaxFreq: 2400, CPUMinFreq: 800, TurboEnabled: false, PerfBias: 15, TempTargetC: 65}, true
	default:
		return PolicySettings{}, false
	}
}

// ComponentState 最近一次周期计算出的组件状态，两次周期之间可能过期
type ComponentState struct {
	CPUUtilPct   float64   `json:"cpu_util_pct" yaml:"cpu_util_pct"`
	GPUUtilPct   float64   `json:"gpu_util_pct" yaml:"gpu_util_pct"`
	TemperatureC int32     `json:"temperature_c" yaml:"temperature_c"`
	PowerDrawMW  uint32    `json:"power_draw_mw" yaml:"power_draw_mw"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// CoreFailure 单个核心在一个周期内的失败
type CoreFailure struct {
	CoreID    uint32 `json:"core_id" yaml:"core_id"`
	Operation string `json:"operation" yaml:"operation"`
	Error     string `json:"error" yaml:"error"`
}

// TickReport 一次策略评估周期的结果
type TickReport struct {
	CycleID     string             `json:"cycle_id" yaml:"cycle_id"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	Duration    time.Duration      `json:"duration" yaml:"duration"`
	Mode        PolicyMode         `json:"mode" yaml:"mode"`
	Throttled   bool               `json:"throttled" yaml:"throttled"`
	Components  ComponentState     `json:"components" yaml:"components"`
	Utilization map[uint32]float64 `json:"utilization" yaml:"utilization"`     // core_id -> 0-1
	Frequencies map[uint32]uint32  `json:"frequencies" yaml:"frequencies"`     // core_id -> 已下发的目标频率
	Failures    []CoreFailure      `json:"failures,omitempty" yaml:"failures"` // 按发生顺序

	// PackageFailures 与单个核心无关的失败：计数器读取、睿频、设备电源
	PackageFailures []string `json:"package_failures,omitempty" yaml:"package_failures"`
}
