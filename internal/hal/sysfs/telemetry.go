package sysfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// counter 已启用的计数器及其差分状态
type counter struct {
	kind hal.CounterKind
	path string

	// 仅功耗计数器使用
	maxRange   uint64
	lastEnergy uint64
	lastAt     time.Time
	primed     bool
}

// EnableCounter 定位计数器对应的 sysfs 文件：
// 功耗为 RAPL package 域 energy_uj，温度为 x86_pkg_temp 热区，GPU 为 drm gpu_busy_percent
func (b *Backend) EnableCounter(ctx context.Context, kind hal.CounterKind) (hal.CounterHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c := &counter{kind: kind}
	switch kind {
	case hal.CounterPowerConsumption:
		dir := filepath.Join(b.sysRoot, "class/powercap/intel-rapl:0")
		c.path = filepath.Join(dir, "energy_uj")
		if !exists(c.path) {
			return 0, fmt.Errorf("%w: counter %s not supported: no RAPL package domain", models.ErrDeviceError, kind)
		}
		c.maxRange, _ = readSysfsUint(filepath.Join(dir, "max_energy_range_uj"))
	case hal.CounterTemperature:
		path, err := b.findThermalZone("x86_pkg_temp")
		if err != nil {
			return 0, err
		}
		c.path = path
	case hal.CounterGPUUtilization:
		matches, _ := filepath.Glob(filepath.Join(b.sysRoot, "class/drm/card*/device/gpu_busy_percent"))
		if len(matches) == 0 {
			return 0, fmt.Errorf("%w: counter %s not supported: no gpu_busy_percent", models.ErrDeviceError, kind)
		}
		sort.Strings(matches)
		c.path = matches[0]
	default:
		return 0, fmt.Errorf("%w: counter %s", models.ErrInvalidArgument, kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	handle := b.nextCounter
	b.nextCounter++
	b.counters[handle] = c
	b.logger.Debugf("Counter %s enabled from %s", kind, c.path)
	return handle, nil
}

// ReadCounter 功耗返回两次读取之间的平均 mW（首次为 0），温度返回 °C，GPU 返回百分比
func (b *Backend) ReadCounter(ctx context.Context, handle hal.CounterHandle) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[handle]
	if !ok {
		return 0, fmt.Errorf("%w: counter handle %d not enabled", models.ErrInvalidArgument, handle)
	}
	value, err := readSysfsUint(c.path)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", models.ErrDeviceError, c.kind, err)
	}

	switch c.kind {
	case hal.CounterPowerConsumption:
		return c.powerMilliwatts(value, b.clock.Now()), nil
	case hal.CounterTemperature:
		return value / 1000, nil
	default:
		return value, nil
	}
}

func (c *counter) powerMilliwatts(energy uint64, now time.Time) uint64 {
	defer func() {
		c.lastEnergy = energy
		c.lastAt = now
		c.primed = true
	}()
	if !c.primed {
		return 0
	}
	elapsed := now.Sub(c.lastAt).Microseconds()
	if elapsed <= 0 {
		return 0
	}

	delta := energy - c.lastEnergy
	if energy < c.lastEnergy {
		// 计数器回绕
		if c.maxRange == 0 {
			return 0
		}
		delta = c.maxRange - c.lastEnergy + energy
	}
	// µJ / µs = W
	return delta * 1000 / uint64(elapsed)
}

// packageTemperature 调用方需持有锁
func (b *Backend) packageTemperature() (int32, error) {
	path, err := b.findThermalZone("x86_pkg_temp")
	if err != nil {
		return 0, err
	}
	milli, err := readSysfsUint(path)
	if err != nil {
		return 0, err
	}
	return int32(milli / 1000), nil
}

func (b *Backend) findThermalZone(zoneType string) (string, error) {
	zones, _ := filepath.Glob(filepath.Join(b.sysRoot, "class/thermal/thermal_zone*"))
	sort.Strings(zones)
	for _, zone := range zones {
		data, err := os.ReadFile(filepath.Join(zone, "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == zoneType {
			return filepath.Join(zone, "temp"), nil
		}
	}
	return "", fmt.Errorf("%w: thermal zone %s not found", models.ErrDeviceError, zoneType)
}
