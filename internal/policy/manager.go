// Package policy 实现电源策略管理器：模式模板、周期性调频和过热降频。
package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// Config 策略管理器配置
type Config struct {
	Logger *logrus.Logger
	Clock  clock.PassiveClock
	// InitialSettings 为空时使用 models.DefaultPolicySettings
	InitialSettings *models.PolicySettings
	// ThrottleDevices 过热时被要求进入 D3hot 的设备
	ThrottleDevices []hal.DeviceAddress
}

// Manager 电源策略管理器
//
// 所有状态由 mu 串行化。Mode 通过原子变量读取，调度器查询模式时不会获取 mu。
// 观察者在释放 mu 之后被调用。
type Manager struct {
	cores     hal.CoreControl
	telemetry hal.Telemetry
	devices   hal.DevicePower
	logger    *logrus.Logger
	clock     clock.PassiveClock
	throttle  []hal.DeviceAddress

	mode atomic.Int32

	mu           sync.Mutex
	initialized  bool
	settings     models.PolicySettings
	components   models.ComponentState
	coreIDs      []uint32
	powerCounter hal.CounterHandle
	tempCounter  hal.CounterHandle
	gpuCounter   hal.CounterHandle
	gpuEnabled   bool
	throttled    bool
	lastReport   *models.TickReport

	observersMu sync.RWMutex
	observers   []func(models.TickReport)
}

// New 创建策略管理器，devices 可以为 nil（过热时不处理外设）
func New(cores hal.CoreControl, telemetry hal.Telemetry, devices hal.DevicePower, cfg Config) (*Manager, error) {
	if cores == nil || telemetry == nil {
		return nil, fmt.Errorf("%w: core control and telemetry are required", models.ErrInvalidArgument)
	}

	settings := models.DefaultPolicySettings()
	if cfg.InitialSettings != nil {
		settings = *cfg.InitialSettings
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.ThrottleDevices) > 0 && devices == nil {
		return nil, fmt.Errorf("%w: throttle devices configured without a device power interface", models.ErrInvalidArgument)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &Manager{
		cores:     cores,
		telemetry: telemetry,
		devices:   devices,
		logger:    logger,
		clock:     clk,
		throttle:  append([]hal.DeviceAddress(nil), cfg.ThrottleDevices...),
		settings:  settings,
	}
	m.mode.Store(int32(settings.Mode))
	return m, nil
}

// Init 读取拓扑、启用计数器并下发初始设置，重复调用无副作用
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	topology, err := m.cores.Topology(ctx)
	if err != nil {
		return fmt.Errorf("read topology failed: %w", err)
	}
	seen := sets.New[uint32]()
	var ids []uint32
	for _, desc := range topology {
		if seen.Has(desc.CoreID) {
			continue
		}
		seen.Insert(desc.CoreID)
		ids = append(ids, desc.CoreID)
	}

	power, err := m.telemetry.EnableCounter(ctx, hal.CounterPowerConsumption)
	if err != nil {
		return fmt.Errorf("enable %s counter failed: %w", hal.CounterPowerConsumption, err)
	}
	temp, err := m.telemetry.EnableCounter(ctx, hal.CounterTemperature)
	if err != nil {
		return fmt.Errorf("enable %s counter failed: %w", hal.CounterTemperature, err)
	}
	gpu, gpuErr := m.telemetry.EnableCounter(ctx, hal.CounterGPUUtilization)
	if gpuErr != nil {
		m.logger.Infof("GPU utilization counter unavailable, gpu_util_pct stays 0: %v", gpuErr)
	}

	if err := m.applyLocked(ctx, m.settings); err != nil {
		return fmt.Errorf("apply initial settings failed: %w", err)
	}

	m.coreIDs = ids
	m.powerCounter = power
	m.tempCounter = temp
	m.gpuCounter = gpu
	m.gpuEnabled = gpuErr == nil
	m.initialized = true

	m.logger.Infof("Policy manager initialized (mode: %s, cores: %d, throttle devices: %d)",
		m.settings.Mode, len(ids), len(m.throttle))
	return nil
}

// Mode 返回当前模式，不获取管理器锁
func (m *Manager) Mode() models.PolicyMode {
	return models.PolicyMode(m.mode.Load())
}

// Settings 返回当前设置
func (m *Manager) Settings() models.PolicySettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetMode 切换到模式模板并立即下发。Custom 只修改模式标签，保留现有数值
func (m *Manager) SetMode(ctx context.Context, mode models.PolicyMode) error {
	next, ok := models.ModeTemplate(mode)
	if !ok && mode != models.ModeCustom {
		return fmt.Errorf("%w: unknown policy mode %d", models.ErrInvalidArgument, int32(mode))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return models.ErrNotInitialized
	}
	if mode == models.ModeCustom {
		next = m.settings
		next.Mode = models.ModeCustom
	}

	previous := m.settings.Mode
	m.commitLocked(next)
	m.logger.Infof("Policy mode changed: %s -> %s", previous, mode)

	if err := m.applyLocked(ctx, next); err != nil {
		return fmt.Errorf("apply mode %s failed: %w", mode, err)
	}
	return nil
}

// UpdateSettings 整体替换设置并强制进入 Custom 模式。校验失败时状态不变
func (m *Manager) UpdateSettings(ctx context.Context, settings models.PolicySettings) error {
	settings.Mode = models.ModeCustom
	if err := settings.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return models.ErrNotInitialized
	}

	m.commitLocked(settings)
	m.logger.WithFields(logrus.Fields{
		"cpu_max_freq": settings.CPUMaxFreq,
		"cpu_min_freq": settings.CPUMinFreq,
		"turbo":        settings.TurboEnabled,
		"perf_bias":    settings.PerfBias,
		"temp_target":  settings.TempTargetC,
	}).Info("Policy settings updated")

	if err := m.applyLocked(ctx, settings); err != nil {
		return fmt.Errorf("apply custom settings failed: %w", err)
	}
	return nil
}

func (m *Manager) commitLocked(settings models.PolicySettings) {
	m.settings = settings
	m.mode.Store(int32(settings.Mode))
}

// applyLocked 先下发睿频再下发性能偏置，两步都会尝试
func (m *Manager) applyLocked(ctx context.Context, settings models.PolicySettings) error {
	var errs []error
	if err := m.cores.SetTurboBoost(ctx, settings.TurboEnabled); err != nil {
		errs = append(errs, fmt.Errorf("set turbo %t: %w", settings.TurboEnabled, err))
	}
	if err := m.cores.SetPerfBias(ctx, settings.PerfBias); err != nil {
		errs = append(errs, fmt.Errorf("set perf bias %d: %w", settings.PerfBias, err))
	}
	return utilerrors.NewAggregate(errs)
}

// ComponentStates 返回最近一次周期计算出的组件状态
func (m *Manager) ComponentStates() (models.ComponentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return models.ComponentState{}, models.ErrNotInitialized
	}
	return m.components, nil
}

// LastReport 返回最近一次周期报告的副本
func (m *Manager) LastReport() (models.TickReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport == nil {
		return models.TickReport{}, false
	}
	return cloneReport(*m.lastReport), true
}

// Throttled 当前是否处于过热降频状态
func (m *Manager) Throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttled
}

// AddObserver 注册周期报告观察者，在释放管理器锁之后同步调用
func (m *Manager) AddObserver(fn func(models.TickReport)) {
	if fn == nil {
		return
	}
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) notify(report models.TickReport) {
	m.observersMu.RLock()
	observers := append([]func(models.TickReport){}, m.observers...)
	m.observersMu.RUnlock()

	for _, fn := range observers {
		fn(cloneReport(report))
	}
}

func cloneReport(r models.TickReport) models.TickReport {
	out := r
	out.Utilization = make(map[uint32]float64, len(r.Utilization))
	for k, v := range r.Utilization {
		out.Utilization[k] = v
	}
	out.Frequencies = make(map[uint32]uint32, len(r.Frequencies))
	for k, v := range r.Frequencies {
		out.Frequencies[k] = v
	}
	out.Failures = append([]models.CoreFailure(nil), r.Failures...)
	out.PackageFailures = append([]string(nil), r.PackageFailures...)
	return out
}
