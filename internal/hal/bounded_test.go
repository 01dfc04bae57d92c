package hal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/cpusim"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

func TestBoundedCoreControlTimesOut(t *testing.T) {
	sim := cpusim.NewI31215U()
	sim.DelayCore(2, time.Second)
	cores := hal.NewBoundedCoreControl(sim, 20*time.Millisecond)

	start := time.Now()
	_, err := cores.CoreState(context.Background(), 2)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("call took %v, want bounded by timeout", elapsed)
	}
	if !errors.Is(err, models.ErrTimeout) || !errors.Is(err, models.ErrDeviceError) {
		t.Fatalf("got %v, want ErrTimeout wrapped with ErrDeviceError", err)
	}

	if err := cores.SetCoreFrequency(context.Background(), 2, 1000); !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("SetCoreFrequency: got %v, want ErrTimeout", err)
	}
	if sim.FrequencyWrites(2) != 0 {
		t.Fatalf("timed out write still reached the simulator")
	}
}

func TestBoundedCoreControlPassesThrough(t *testing.T) {
	sim := cpusim.NewI31215U()
	cores := hal.NewBoundedCoreControl(sim, time.Second)
	ctx := context.Background()

	topology, err := cores.Topology(ctx)
	if err != nil || len(topology) != 8 {
		t.Fatalf("Topology = %d entries, %v", len(topology), err)
	}
	if err := cores.SetCoreFrequency(ctx, 0, 3200); err != nil {
		t.Fatalf("SetCoreFrequency: %v", err)
	}
	if sim.Frequency(0) != 3200 {
		t.Fatalf("frequency = %d, want 3200", sim.Frequency(0))
	}
	if err := cores.SetTurboBoost(ctx, false); err != nil || sim.TurboEnabled() {
		t.Fatalf("SetTurboBoost: %v, turbo=%v", err, sim.TurboEnabled())
	}
	if err := cores.SetPerfBias(ctx, 3); err != nil || sim.PerfBias() != 3 {
		t.Fatalf("SetPerfBias: %v, bias=%d", err, sim.PerfBias())
	}

	// 驱动自身的错误原样返回
	if _, err := cores.CoreState(ctx, 42); !errors.Is(err, models.ErrCoreNotFound) {
		t.Fatalf("got %v, want ErrCoreNotFound", err)
	}
}

func TestBoundedParentCancellation(t *testing.T) {
	sim := cpusim.NewI31215U()
	sim.DelayCore(1, time.Second)
	cores := hal.NewBoundedCoreControl(sim, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cores.CoreState(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if errors.Is(err, models.ErrTimeout) {
		t.Fatalf("parent cancellation reported as hardware timeout")
	}
}

func TestBoundedZeroTimeoutCallsDirectly(t *testing.T) {
	sim := cpusim.NewI31215U()
	telemetry := hal.NewBoundedTelemetry(sim, 0)
	ctx := context.Background()

	handle, err := telemetry.EnableCounter(ctx, hal.CounterTemperature)
	if err != nil {
		t.Fatalf("EnableCounter: %v", err)
	}
	sim.SetTemperature(61)
	if temp, err := telemetry.ReadCounter(ctx, handle); err != nil || temp != 61 {
		t.Fatalf("ReadCounter = %d, %v; want 61", temp, err)
	}
}

func TestBoundedDevicePower(t *testing.T) {
	sim := cpusim.NewI31215U()
	devices := hal.NewBoundedDevicePower(sim, time.Second)
	addr := hal.DeviceAddress{Bus: 0, Device: 0x14, Function: 3}

	if err := devices.SetDevicePowerState(context.Background(), addr, hal.DeviceD3Hot); err != nil {
		t.Fatalf("SetDevicePowerState: %v", err)
	}
	if state, ok := sim.DeviceState(addr); !ok || state != hal.DeviceD3Hot {
		t.Fatalf("device state = %v (%v), want D3hot", state, ok)
	}
}

func TestParseDeviceAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    hal.DeviceAddress
		wantErr bool
	}{
		{"00:02.0", hal.DeviceAddress{Bus: 0, Device: 2, Function: 0}, false},
		{"01:1f.7", hal.DeviceAddress{Bus: 1, Device: 0x1f, Function: 7}, false},
		{"ff:00.1", hal.DeviceAddress{Bus: 0xff, Device: 0, Function: 1}, false},
		{"00:20.0", hal.DeviceAddress{}, true},
		{"00:02.8", hal.DeviceAddress{}, true},
		{"garbage", hal.DeviceAddress{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := hal.ParseDeviceAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidArgument) {
					t.Fatalf("got %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDeviceAddress: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.input {
				t.Fatalf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}
