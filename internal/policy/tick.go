package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// cycle 单次周期的累积状态
type cycle struct {
	report models.TickReport
	errs   []error
}

func (c *cycle) coreFailure(coreID uint32, op string, err error) {
	c.report.Failures = append(c.report.Failures, models.CoreFailure{CoreID: coreID, Operation: op, Error: err.Error()})
	c.errs = append(c.errs, fmt.Errorf("core %d %s: %w", coreID, op, err))
}

func (c *cycle) packageFailure(op string, err error) {
	c.report.PackageFailures = append(c.report.PackageFailures, fmt.Sprintf("%s: %v", op, err))
	c.errs = append(c.errs, fmt.Errorf("%s: %w", op, err))
}

// Tick 执行一次策略评估：刷新组件状态，然后过热降频或按利用率调频。
//
// 单个核心或计数器的失败不会中断本周期，所有失败汇总在报告和返回的聚合错误中。
func (m *Manager) Tick(ctx context.Context) (models.TickReport, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return models.TickReport{}, models.ErrNotInitialized
	}

	start := m.clock.Now()
	c := &cycle{report: models.TickReport{
		CycleID:     uuid.NewString(),
		StartedAt:   start,
		Mode:        m.settings.Mode,
		Utilization: make(map[uint32]float64, len(m.coreIDs)),
		Frequencies: make(map[uint32]uint32, len(m.coreIDs)),
	}}

	m.refreshComponentsLocked(ctx, c)
	if m.components.TemperatureC > m.settings.TempTargetC {
		m.throttleLocked(ctx, c)
	} else {
		m.scaleLocked(ctx, c)
	}

	c.report.Components = m.components
	c.report.Throttled = m.throttled
	c.report.Duration = m.clock.Since(start)
	m.lastReport = &c.report
	report := cloneReport(c.report)
	m.mu.Unlock()

	logEntry := m.logger.WithFields(logrus.Fields{
		"cycle":       report.CycleID,
		"mode":        report.Mode.String(),
		"cpu_util":    report.Components.CPUUtilPct,
		"temperature": report.Components.TemperatureC,
		"throttled":   report.Throttled,
		"failures":    len(report.Failures) + len(report.PackageFailures),
	})
	if len(c.errs) > 0 {
		logEntry.Warn("Policy tick completed with failures")
	} else {
		logEntry.Debug("Policy tick completed")
	}

	m.notify(report)
	return report, utilerrors.NewAggregate(c.errs)
}

// refreshComponentsLocked 读取功耗、温度和每核利用率。
// 计数器读取失败时保留上一周期的数值；核心读取失败按 0 计入平均值
func (m *Manager) refreshComponentsLocked(ctx context.Context, c *cycle) {
	components := m.components
	components.UpdatedAt = c.report.StartedAt

	if power, err := m.telemetry.ReadCounter(ctx, m.powerCounter); err != nil {
		c.packageFailure("read power counter", err)
	} else {
		components.PowerDrawMW = uint32(power)
	}
	if temp, err := m.telemetry.ReadCounter(ctx, m.tempCounter); err != nil {
		c.packageFailure("read temperature counter", err)
	} else {
		components.TemperatureC = int32(temp)
	}
	if m.gpuEnabled {
		if gpu, err := m.telemetry.ReadCounter(ctx, m.gpuCounter); err != nil {
			c.packageFailure("read gpu counter", err)
		} else {
			components.GPUUtilPct = float64(gpu)
		}
	}

	var sum float64
	for _, id := range m.coreIDs {
		state, err := m.cores.CoreState(ctx, id)
		if err != nil {
			c.coreFailure(id, "read state", err)
			continue
		}
		u := state.Utilization()
		c.report.Utilization[id] = u
		sum += u
	}
	if len(m.coreIDs) > 0 {
		components.CPUUtilPct = sum / float64(len(m.coreIDs)) * 100
	} else {
		components.CPUUtilPct = 0
	}

	m.components = components
}

// throttleLocked 关闭睿频，所有核心降到最低频率，外设进入 D3hot
func (m *Manager) throttleLocked(ctx context.Context, c *cycle) {
	if !m.throttled {
		m.logger.Warnf("Thermal throttle engaged (temperature: %d°C, target: %d°C)",
			m.components.TemperatureC, m.settings.TempTargetC)
	}
	m.throttled = true

	if err := m.cores.SetTurboBoost(ctx, false); err != nil {
		c.packageFailure("disable turbo", err)
	}

	minFreq := m.settings.CPUMinFreq
	for _, id := range m.coreIDs {
		if err := m.cores.SetCoreFrequency(ctx, id, minFreq); err != nil {
			m.logFrequencyFailure(id, minFreq, err)
			c.coreFailure(id, "set frequency", err)
			continue
		}
		c.report.Frequencies[id] = minFreq
	}

	for _, addr := range m.throttle {
		if err := m.devices.SetDevicePowerState(ctx, addr, hal.DeviceD3Hot); err != nil {
			c.packageFailure(fmt.Sprintf("device %s set %s", addr, hal.DeviceD3Hot), err)
		}
	}
}

// scaleLocked 按利用率在 [min,max] 之间调频。读取失败的核心本周期不调频
func (m *Manager) scaleLocked(ctx context.Context, c *cycle) {
	if m.throttled {
		if err := m.cores.SetTurboBoost(ctx, m.settings.TurboEnabled); err != nil {
			c.packageFailure("restore turbo", err)
		} else {
			m.throttled = false
			m.logger.Infof("Thermal throttle released (temperature: %d°C, target: %d°C)",
				m.components.TemperatureC, m.settings.TempTargetC)
		}
	}

	for _, id := range m.coreIDs {
		u, ok := c.report.Utilization[id]
		if !ok {
			continue
		}
		target := m.settings.TargetFrequency(u)
		if err := m.cores.SetCoreFrequency(ctx, id, target); err != nil {
			m.logFrequencyFailure(id, target, err)
			c.coreFailure(id, "set frequency", err)
			continue
		}
		c.report.Frequencies[id] = target
	}
}

func (m *Manager) logFrequencyFailure(coreID, mhz uint32, err error) {
	entry := m.logger.WithFields(logrus.Fields{"core": coreID, "target_mhz": mhz})
	if errors.Is(err, models.ErrTimeout) {
		entry.Warnf("Core frequency update timed out: %v", err)
		return
	}
	entry.Warnf("Core frequency update failed: %v", err)
}
