// Package cpusim 模拟一颗混合架构 CPU，同时实现核心控制、遥测和设备电源接口。
package cpusim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// CoreSim 单个核心的模拟状态
type CoreSim struct {
	CoreType        models.CoreType `json:"core_type"`
	Enabled         bool            `json:"enabled"`
	FrequencyMHz    uint32          `json:"frequency_mhz"`
	UtilizationPct  uint8           `json:"utilization_pct"`
	FrequencyWrites int             `json:"frequency_writes"`
}

// Simulator 混合 CPU 模拟器
type Simulator struct {
	topology []models.CoreDescriptor
	cores    map[uint32]*CoreSim

	turbo        bool
	perfBias     uint8
	packageTempC int32
	powerMW      uint32
	gpuUtilPct   uint8

	counters    map[hal.CounterHandle]hal.CounterKind
	nextCounter hal.CounterHandle
	devices     map[hal.DeviceAddress]hal.DeviceState

	// 故障注入
	coreFaults    map[uint32]error
	coreDelays    map[uint32]time.Duration
	turboFault    error
	counterFaults map[hal.CounterKind]error
	unsupported   map[hal.CounterKind]bool

	updateRate time.Duration
	running    bool
	stopChan   chan struct{}
	rng        *rand.Rand
	mu         sync.RWMutex
}

// New 按给定拓扑创建模拟器。重复的 core_id 共享同一个核心状态
func New(topology []models.CoreDescriptor) *Simulator {
	s := &Simulator{
		topology:      append([]models.CoreDescriptor(nil), topology...),
		cores:         make(map[uint32]*CoreSim),
		turbo:         true,
		perfBias:      7,
		packageTempC:  45,
		powerMW:       9000,
		counters:      make(map[hal.CounterHandle]hal.CounterKind),
		nextCounter:   1,
		devices:       make(map[hal.DeviceAddress]hal.DeviceState),
		coreFaults:    make(map[uint32]error),
		coreDelays:    make(map[uint32]time.Duration),
		counterFaults: make(map[hal.CounterKind]error),
		unsupported:   make(map[hal.CounterKind]bool),
		updateRate:    500 * time.Millisecond,
		stopChan:      make(chan struct{}),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, d := range topology {
		if _, ok := s.cores[d.CoreID]; ok {
			continue
		}
		s.cores[d.CoreID] = &CoreSim{
			CoreType:       d.CoreType,
			Enabled:        true,
			FrequencyMHz:   2800,
			UtilizationPct: 50,
		}
	}
	return s
}

// NewI31215U 模拟 Core i3-1215U：2 个 P 核（各 2 线程）+ 4 个 E 核
func NewI31215U() *Simulator {
	var topology []models.CoreDescriptor
	for core := uint32(0); core < 2; core++ {
		topology = append(topology,
			models.CoreDescriptor{CoreID: core, CoreType: models.CoreTypePerformance, ThreadID: core * 2},
			models.CoreDescriptor{CoreID: core, CoreType: models.CoreTypePerformance, ThreadID: core*2 + 1},
		)
	}
	for i := uint32(0); i < 4; i++ {
		topology = append(topology, models.CoreDescriptor{
			CoreID:   i + 2,
			CoreType: models.CoreTypeEfficiency,
			ThreadID: i + 4,
		})
	}
	return New(topology)
}

// Topology 实现 hal.CoreControl
func (s *Simulator) Topology(ctx context.Context) ([]models.CoreDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CoreDescriptor(nil), s.topology...), nil
}

// CoreState 实现 hal.CoreControl
func (s *Simulator) CoreState(ctx context.Context, coreID uint32) (models.CoreState, error) {
	if err := s.coreDelay(ctx, coreID); err != nil {
		return models.CoreState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	core, err := s.core(coreID)
	if err != nil {
		return models.CoreState{}, err
	}
	return models.CoreState{
		Enabled:        core.Enabled,
		FrequencyMHz:   core.FrequencyMHz,
		TemperatureC:   s.packageTempC,
		UtilizationPct: core.UtilizationPct,
	}, nil
}

// SetCoreFrequency 实现 hal.CoreControl
func (s *Simulator) SetCoreFrequency(ctx context.Context, coreID uint32, mhz uint32) error {
	if err := s.coreDelay(ctx, coreID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	core, err := s.core(coreID)
	if err != nil {
		return err
	}
	core.FrequencyMHz = mhz
	core.FrequencyWrites++
	return nil
}

// SetTurboBoost 实现 hal.CoreControl
func (s *Simulator) SetTurboBoost(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turboFault != nil {
		return s.turboFault
	}
	s.turbo = enabled
	return nil
}

// SetPerfBias 实现 hal.CoreControl
func (s *Simulator) SetPerfBias(ctx context.Context, bias uint8) error {
	if bias > models.MaxPerfBias {
		return fmt.Errorf("%w: perf bias %d", models.ErrInvalidArgument, bias)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perfBias = bias
	return nil
}

// EnableCounter 实现 hal.Telemetry
func (s *Simulator) EnableCounter(ctx context.Context, kind hal.CounterKind) (hal.CounterHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsupported[kind] {
		return 0, fmt.Errorf("%w: counter %s not supported", models.ErrDeviceError, kind)
	}
	handle := s.nextCounter
	s.nextCounter++
	s.counters[handle] = kind
	return handle, nil
}

// ReadCounter 实现 hal.Telemetry
func (s *Simulator) ReadCounter(ctx context.Context, handle hal.CounterHandle) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind, ok := s.counters[handle]
	if !ok {
		return 0, fmt.Errorf("%w: counter handle %d not enabled", models.ErrInvalidArgument, handle)
	}
	if err := s.counterFaults[kind]; err != nil {
		return 0, err
	}
	switch kind {
	case hal.CounterPowerConsumption:
		return uint64(s.powerMW), nil
	case hal.CounterTemperature:
		if s.packageTempC < 0 {
			return 0, nil
		}
		return uint64(s.packageTempC), nil
	case hal.CounterGPUUtilization:
		return uint64(s.gpuUtilPct), nil
	default:
		return 0, fmt.Errorf("%w: counter %s", models.ErrDeviceError, kind)
	}
}

// SetDevicePowerState 实现 hal.DevicePower
func (s *Simulator) SetDevicePowerState(ctx context.Context, addr hal.DeviceAddress, state hal.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[addr] = state
	return nil
}

// SetUtilization 设置核心利用率 (0-100)
func (s *Simulator) SetUtilization(coreID uint32, pct uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if core, ok := s.cores[coreID]; ok {
		core.UtilizationPct = pct
	}
}

// SetTemperature 设置封装温度
func (s *Simulator) SetTemperature(celsius int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageTempC = celsius
}

// SetPowerDraw 设置功耗 (mW)
func (s *Simulator) SetPowerDraw(mw uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerMW = mw
}

// SetGPUUtilization 设置 GPU 利用率 (0-100)
func (s *Simulator) SetGPUUtilization(pct uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpuUtilPct = pct
}

// FailCore 让该核心的状态读取和频率设置返回 err；err 为 nil 时清除故障
func (s *Simulator) FailCore(coreID uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.coreFaults, coreID)
		return
	}
	s.coreFaults[coreID] = err
}

// DelayCore 让该核心的调用阻塞 d（或直到 ctx 结束）
func (s *Simulator) DelayCore(coreID uint32, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.coreDelays, coreID)
		return
	}
	s.coreDelays[coreID] = d
}

// FailTurbo 让睿频设置返回 err
func (s *Simulator) FailTurbo(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turboFault = err
}

// FailCounter 让该类计数器读取返回 err
func (s *Simulator) FailCounter(kind hal.CounterKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.counterFaults, kind)
		return
	}
	s.counterFaults[kind] = err
}

// DisableCounter 将计数器类型标记为不支持
func (s *Simulator) DisableCounter(kind hal.CounterKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsupported[kind] = true
}

// Frequency 返回最近设置的核心频率
func (s *Simulator) Frequency(coreID uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if core, ok := s.cores[coreID]; ok {
		return core.FrequencyMHz
	}
	return 0
}

// FrequencyWrites 返回该核心累计的频率写入次数
func (s *Simulator) FrequencyWrites(coreID uint32) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if core, ok := s.cores[coreID]; ok {
		return core.FrequencyWrites
	}
	return 0
}

// TurboEnabled 返回当前睿频状态
func (s *Simulator) TurboEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turbo
}

// PerfBias 返回当前性能偏置
func (s *Simulator) PerfBias() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perfBias
}

// DeviceState 返回设备最近被设置的电源状态
func (s *Simulator) DeviceState(addr hal.DeviceAddress) (hal.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.devices[addr]
	return state, ok
}

// Start 启动随机漂移，让利用率和温度随时间变化
func (s *Simulator) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.simulationLoop()
}

// Stop 停止漂移
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
}

// core 调用方需持有锁
func (s *Simulator) core(coreID uint32) (*CoreSim, error) {
	if err := s.coreFaults[coreID]; err != nil {
		return nil, err
	}
	core, ok := s.cores[coreID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrCoreNotFound, coreID)
	}
	return core, nil
}

func (s *Simulator) coreDelay(ctx context.Context, coreID uint32) error {
	s.mu.RLock()
	d := s.coreDelays[coreID]
	s.mu.RUnlock()
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// simulationLoop 模拟循环
func (s *Simulator) simulationLoop() {
	ticker := time.NewTicker(s.updateRate)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateState(time.Since(startTime).Seconds())
		}
	}
}

// updateState 随机游走利用率，温度和功耗跟随频率
func (s *Simulator) updateState(elapsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freqSum, load float64
	for _, core := range s.cores {
		step := s.rng.Intn(11) - 5
		util := int(core.UtilizationPct) + step
		if util < 0 {
			util = 0
		}
		if util > 100 {
			util = 100
		}
		core.UtilizationPct = uint8(util)
		freqSum += float64(core.FrequencyMHz)
		load += float64(core.FrequencyMHz) * float64(util) / 100.0
	}
	if len(s.cores) == 0 {
		return
	}

	avgFreq := freqSum / float64(len(s.cores))
	boost := 1.0
	if s.turbo {
		boost = 1.15
	}
	// 温度在 35°C 基线上随平均频率升高，叠加缓慢的周期扰动
	target := 35 + avgFreq/4700*50*boost + 3*math.Sin(0.1*elapsed)
	s.packageTempC += int32((target - float64(s.packageTempC)) * 0.2)
	s.powerMW = uint32(2000 + load*2*boost)
	s.gpuUtilPct = uint8(20 + s.rng.Intn(30))
}
