package models

import (
	"fmt"
	"strings"
)

// CoreType 核心类型
type CoreType int

const (
	// CoreTypePerformance 性能核 (P-core)
	CoreTypePerformance CoreType = iota
	// CoreTypeEfficiency 能效核 (E-core)
	CoreTypeEfficiency
)

func (t CoreType) String() string {
	switch t {
	case CoreTypePerformance:
		return "Performance"
	case CoreTypeEfficiency:
		return "Efficiency"
	default:
		return fmt.Sprintf("CoreType(%d)", int(t))
	}
}

// MarshalText 以名称形式序列化
func (t CoreType) MarshalText() ([]byte, error) {
	switch t {
	case CoreTypePerformance, CoreTypeEfficiency:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("%w: unknown core type %d", ErrInvalidArgument, int(t))
	}
}

// UnmarshalText 解析核心类型名称（大小写不敏感，支持 P/E 缩写）
func (t *CoreType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "performance", "p", "p-core":
		*t = CoreTypePerformance
	case "efficiency", "e", "e-core":
		*t = CoreTypeEfficiency
	default:
		return fmt.Errorf("%w: unknown core type %q", ErrInvalidArgument, string(text))
	}
	return nil
}

// CoreDescriptor 核心拓扑描述，初始化时发现，之后不可变
type CoreDescriptor struct {
	CoreID   uint32   `json:"core_id" yaml:"core_id"`
	CoreType CoreType `json:"core_type" yaml:"core_type"`
	ThreadID uint32   `json:"thread_id" yaml:"thread_id"`
}

// CoreState 核心运行状态快照（由核心控制接口提供，只读）
type CoreState struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	FrequencyMHz   uint32 `json:"frequency_mhz" yaml:"frequency_mhz"`
	TemperatureC   int32  `json:"temperature_c" yaml:"temperature_c"`
	UtilizationPct uint8  `json:"utilization_pct" yaml:"utilization_pct"` // 0-100
}

// Utilization 返回 0-1 范围的利用率
func (s CoreState) Utilization() float64 {
	pct := float64(s.UtilizationPct)
	if pct > 100 {
		pct = 100
	}
	return pct / 100.0
}

// TaskProfile 任务特征画像
type TaskProfile struct {
	TaskID          uint32  `json:"task_id" yaml:"task_id"`
	Priority        uint8   `json:"priority" yaml:"priority"`
	CPUIntensity    float64 `json:"cpu_intensity" yaml:"cpu_intensity"`       // 0-1
	MemoryIntensity float64 `json:"memory_intensity" yaml:"memory_intensity"` // 0-1
	IOIntensity     float64 `json:"io_intensity" yaml:"io_intensity"`         // 0-1
	LastCore        uint32  `json:"last_core" yaml:"last_core"`
	RunTimeMs       uint64  `json:"run_time_ms" yaml:"run_time_ms"`
	DeadlineMs      *uint64 `json:"deadline_ms,omitempty" yaml:"deadline_ms,omitempty"`
}

// Validate 检查强度字段是否落在 [0,1]
func (p TaskProfile) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"cpu_intensity", p.CPUIntensity},
		{"memory_intensity", p.MemoryIntensity},
		{"io_intensity", p.IOIntensity},
	}
	for _, f := range fields {
		// 取反写法同时拒绝 NaN
		if !(f.value >= 0 && f.value <= 1) {
			return fmt.Errorf("%w: %s=%v out of [0,1]", ErrInvalidArgument, f.name, f.value)
		}
	}
	return nil
}

// CoreLoad 单个核心的负载记账
type CoreLoad struct {
	CoreID      uint32        `json:"core_id" yaml:"core_id"`
	CoreType    CoreType      `json:"core_type" yaml:"core_type"`
	Utilization float64       `json:"utilization" yaml:"utilization"` // 0-1
	TaskCount   int           `json:"task_count" yaml:"task_count"`
	ActiveTasks []TaskProfile `json:"active_tasks" yaml:"active_tasks"` // 按到达顺序
}

// CoreUtilization get_core_loads 返回的 (core_id, utilization) 对
type CoreUtilization struct {
	CoreID      uint32  `json:"core_id" yaml:"core_id"`
	Utilization float64 `json:"utilization" yaml:"utilization"`
}

// SchedulerConfig 调度器配置，初始化后固定
type SchedulerConfig struct {
	MigrationThreshold float64 `json:"migration_threshold" mapstructure:"migration_threshold"`
	PCorePreference    float64 `json:"p_core_preference" mapstructure:"p_core_preference"`
	PowerEfficiency    float64 `json:"power_efficiency" mapstructure:"power_efficiency"`
}

// DefaultSchedulerConfig 默认调度参数
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MigrationThreshold: 0.2,
		PCorePreference:    0.7,
		PowerEfficiency:    0.5,
	}
}

// Validate 验证权重是否在 [0,1]
func (c SchedulerConfig) Validate() error {
	if !(c.PCorePreference >= 0 && c.PCorePreference <= 1) {
		return fmt.Errorf("%w: p_core_preference=%v out of [0,1]", ErrInvalidArgument, c.PCorePreference)
	}
	if !(c.PowerEfficiency >= 0 && c.PowerEfficiency <= 1) {
		return fmt.Errorf("%w: power_efficiency=%v out of [0,1]", ErrInvalidArgument, c.PowerEfficiency)
	}
	if !(c.MigrationThreshold >= 0 && c.MigrationThreshold <= 1) {
		return fmt.Errorf("%w: migration_threshold=%v out of [0,1]", ErrInvalidArgument, c.MigrationThreshold)
	}
	return nil
}

// PlacementEvent 放置或迁移决策，交给外部调度提示接收方执行
type PlacementEvent struct {
	TaskID   uint32  `json:"task_id"`
	FromCore *uint32 `json:"from_core,omitempty"` // 首次放置时为空
	ToCore   uint32  `json:"to_core"`
	Reason   string  `json:"reason"`
}
