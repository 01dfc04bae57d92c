package hal

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// NewBoundedCoreControl 给每个核心控制调用加上超时
func NewBoundedCoreControl(inner CoreControl, timeout time.Duration) CoreControl {
	return &boundedCoreControl{inner: inner, timeout: timeout}
}

// NewBoundedTelemetry 给每个计数器调用加上超时
func NewBoundedTelemetry(inner Telemetry, timeout time.Duration) Telemetry {
	return &boundedTelemetry{inner: inner, timeout: timeout}
}

// NewBoundedDevicePower 给每个设备电源调用加上超时
func NewBoundedDevicePower(inner DevicePower, timeout time.Duration) DevicePower {
	return &boundedDevicePower{inner: inner, timeout: timeout}
}

type result[T any] struct {
	value T
	err   error
}

// bounded 在独立 goroutine 中执行 fn，超时后立即返回。
// 驱动若忽略 ctx，该 goroutine 会在驱动返回后自行退出。
func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%s after %v: %w: %w", op, timeout, models.ErrDeviceError, models.ErrTimeout)
	}
}

func boundedErr(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := bounded(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type boundedCoreControl struct {
	inner   CoreControl
	timeout time.Duration
}

func (b *boundedCoreControl) Topology(ctx context.Context) ([]models.CoreDescriptor, error) {
	return bounded(ctx, b.timeout, "topology", b.inner.Topology)
}

func (b *boundedCoreControl) CoreState(ctx context.Context, coreID uint32) (models.CoreState, error) {
	return bounded(ctx, b.timeout, fmt.Sprintf("core %d state", coreID), func(ctx context.Context) (models.CoreState, error) {
		return b.inner.CoreState(ctx, coreID)
	})
}

func (b *boundedCoreControl) SetCoreFrequency(ctx context.Context, coreID uint32, mhz uint32) error {
	return boundedErr(ctx, b.timeout, fmt.Sprintf("core %d set frequency", coreID), func(ctx context.Context) error {
		return b.inner.SetCoreFrequency(ctx, coreID, mhz)
	})
}

func (b *boundedCoreControl) SetTurboBoost(ctx context.Context, enabled bool) error {
	return boundedErr(ctx, b.timeout, "set turbo", func(ctx context.Context) error {
		return b.inner.SetTurboBoost(ctx, enabled)
	})
}

func (b *boundedCoreControl) SetPerfBias(ctx context.Context, bias uint8) error {
	return boundedErr(ctx, b.timeout, "set perf bias", func(ctx context.Context) error {
		return b.inner.SetPerfBias(ctx, bias)
	})
}

type boundedTelemetry struct {
	inner   Telemetry
	timeout time.Duration
}

func (b *boundedTelemetry) EnableCounter(ctx context.Context, kind CounterKind) (CounterHandle, error) {
	return bounded(ctx, b.timeout, fmt.Sprintf("enable counter %s", kind), func(ctx context.Context) (CounterHandle, error) {
		return b.inner.EnableCounter(ctx, kind)
	})
}

func (b *boundedTelemetry) ReadCounter(ctx context.Context, handle CounterHandle) (uint64, error) {
	return bounded(ctx, b.timeout, fmt.Sprintf("read counter %d", handle), func(ctx context.Context) (uint64, error) {
		return b.inner.ReadCounter(ctx, handle)
	})
}

type boundedDevicePower struct {
	inner   DevicePower
	timeout time.Duration
}

func (b *boundedDevicePower) SetDevicePowerState(ctx context.Context, addr DeviceAddress, state DeviceState) error {
	return boundedErr(ctx, b.timeout, fmt.Sprintf("device %s set %s", addr, state), func(ctx context.Context) error {
		return b.inner.SetDevicePowerState(ctx, addr, state)
	})
}
