// Package hal 定义调度器和策略管理器依赖的硬件能力接口。
//
// 具体驱动（MSR、sysfs、模拟器）都实现这些接口，上层逻辑不直接接触寄存器。
package hal

import (
	"context"
	"fmt"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// CoreControl 核心控制接口：拓扑枚举、状态读取、频率与睿频控制
type CoreControl interface {
	// Topology 返回核心拓扑。同一物理核的多个硬件线程可能重复出现同一 core_id
	Topology(ctx context.Context) ([]models.CoreDescriptor, error)

	// CoreState 读取单个核心的当前状态
	CoreState(ctx context.Context, coreID uint32) (models.CoreState, error)

	// SetCoreFrequency 设置核心目标频率 (MHz)
	SetCoreFrequency(ctx context.Context, coreID uint32, mhz uint32) error

	// SetTurboBoost 开关睿频
	SetTurboBoost(ctx context.Context, enabled bool) error

	// SetPerfBias 设置能耗性能偏置提示 (0-15)
	SetPerfBias(ctx context.Context, bias uint8) error
}

// CounterKind 性能计数器类型
type CounterKind int

const (
	// CounterPowerConsumption 功耗 (mW)
	CounterPowerConsumption CounterKind = iota
	// CounterTemperature 封装温度 (°C)
	CounterTemperature
	// CounterGPUUtilization GPU 利用率 (%)，可选
	CounterGPUUtilization
)

func (k CounterKind) String() string {
	switch k {
	case CounterPowerConsumption:
		return "PowerConsumption"
	case CounterTemperature:
		return "Temperature"
	case CounterGPUUtilization:
		return "GPUUtilization"
	default:
		return fmt.Sprintf("CounterKind(%d)", int(k))
	}
}

// CounterHandle 已启用计数器的句柄
type CounterHandle uint32

// Telemetry 硬件性能计数器来源
type Telemetry interface {
	// EnableCounter 启用计数器，返回读取句柄。不支持的类型返回 ErrDeviceError
	EnableCounter(ctx context.Context, kind CounterKind) (CounterHandle, error)

	// ReadCounter 读取计数器当前值
	ReadCounter(ctx context.Context, handle CounterHandle) (uint64, error)
}

// DeviceState 设备电源状态 (ACPI D-state)
type DeviceState int

const (
	DeviceD0 DeviceState = iota
	DeviceD1
	DeviceD2
	DeviceD3Hot
	DeviceD3Cold
)

func (s DeviceState) String() string {
	switch s {
	case DeviceD0:
		return "D0"
	case DeviceD1:
		return "D1"
	case DeviceD2:
		return "D2"
	case DeviceD3Hot:
		return "D3hot"
	case DeviceD3Cold:
		return "D3cold"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// DeviceAddress PCI 地址 bus:device.function
type DeviceAddress struct {
	Bus      uint8 `json:"bus" mapstructure:"bus"`
	Device   uint8 `json:"device" mapstructure:"device"`
	Function uint8 `json:"function" mapstructure:"function"`
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ParseDeviceAddress 解析 "bb:dd.f" 形式的十六进制地址
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	var bus, device, function uint8
	if _, err := fmt.Sscanf(s, "%x:%x.%x", &bus, &device, &function); err != nil {
		return DeviceAddress{}, fmt.Errorf("%w: device address %q: %v", models.ErrInvalidArgument, s, err)
	}
	if device > 0x1f || function > 0x7 {
		return DeviceAddress{}, fmt.Errorf("%w: device address %q out of range", models.ErrInvalidArgument, s)
	}
	return DeviceAddress{Bus: bus, Device: device, Function: function}, nil
}

// DevicePower 设备电源接口，仅用于紧急降温路径
type DevicePower interface {
	SetDevicePowerState(ctx context.Context, addr DeviceAddress, state DeviceState) error
}
