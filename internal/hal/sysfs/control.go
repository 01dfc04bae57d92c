package sysfs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// cpuReading /proc/stat 中单个 CPU 的累计 jiffies
//
// busy = user + nice + system + irq + softirq + steal
// idle = idle + iowait
type cpuReading struct {
	busy uint64
	idle uint64
}

// readPerCPUStats 解析 /proc/stat 中的 cpuN 行
func readPerCPUStats(path string) (map[int]cpuReading, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	out := make(map[int]cpuReading)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 9 || !strings.HasPrefix(fields[0], "cpu") || fields[0] == "cpu" {
			continue
		}
		cpu, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
		if err != nil {
			continue
		}
		values := make([]uint64, 8)
		valid := true
		for i := range values {
			if values[i], err = strconv.ParseUint(fields[i+1], 10, 64); err != nil {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		out[cpu] = cpuReading{
			busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
			idle: values[3] + values[4],
		}
	}
	return out, scanner.Err()
}

// utilizationPct 两次读数之间的忙碌百分比；首次读取按开机以来的累计值计算
func utilizationPct(previous *cpuReading, current cpuReading) float64 {
	busy, idle := current.busy, current.idle
	if previous != nil && current.busy >= previous.busy && current.idle >= previous.idle {
		busy -= previous.busy
		idle -= previous.idle
	}
	if busy+idle == 0 {
		return 0
	}
	return float64(busy) / float64(busy+idle) * 100
}

// CoreState 利用率取各线程平均值，频率取第一个线程的 scaling_cur_freq
func (b *Backend) CoreState(ctx context.Context, coreID uint32) (models.CoreState, error) {
	if err := ctx.Err(); err != nil {
		return models.CoreState{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pc, err := b.core(coreID)
	if err != nil {
		return models.CoreState{}, err
	}

	stats, err := readPerCPUStats(filepath.Join(b.procRoot, "stat"))
	if err != nil {
		return models.CoreState{}, fmt.Errorf("%w: read cpu stats: %v", models.ErrDeviceError, err)
	}

	var sum float64
	for _, cpu := range pc.cpus {
		current, ok := stats[cpu]
		if !ok {
			return models.CoreState{}, fmt.Errorf("%w: cpu%d missing from stat", models.ErrDeviceError, cpu)
		}
		var previous *cpuReading
		if prev, seen := b.prevStat[cpu]; seen {
			previous = &prev
		}
		sum += utilizationPct(previous, current)
		b.prevStat[cpu] = current
	}

	first := pc.cpus[0]
	state := models.CoreState{
		Enabled:        true,
		UtilizationPct: uint8(sum/float64(len(pc.cpus)) + 0.5),
	}
	if online, err := readSysfsString(filepath.Join(b.cpuDir(first), "online")); err == nil {
		state.Enabled = online == "1"
	}
	if khz, err := readSysfsUint(filepath.Join(b.cpuDir(first), "cpufreq/scaling_cur_freq")); err == nil {
		state.FrequencyMHz = uint32(khz / 1000)
	}
	if temp, err := b.packageTemperature(); err == nil {
		state.TemperatureC = temp
	}
	return state, nil
}

// SetCoreFrequency 把频率上限写入该核心所有线程的 scaling_max_freq (kHz)
func (b *Backend) SetCoreFrequency(ctx context.Context, coreID uint32, mhz uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pc, err := b.core(coreID)
	if err != nil {
		return err
	}
	value := strconv.FormatUint(uint64(mhz)*1000, 10)
	for _, cpu := range pc.cpus {
		if err := writeSysfs(filepath.Join(b.cpuDir(cpu), "cpufreq/scaling_max_freq"), value); err != nil {
			return fmt.Errorf("cpu%d: %w", cpu, err)
		}
	}
	return nil
}

// SetTurboBoost 优先使用 intel_pstate/no_turbo，否则使用 cpufreq/boost
func (b *Backend) SetTurboBoost(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	noTurbo := filepath.Join(b.sysRoot, "devices/system/cpu/intel_pstate/no_turbo")
	if exists(noTurbo) {
		value := "1"
		if enabled {
			value = "0"
		}
		return writeSysfs(noTurbo, value)
	}

	boost := filepath.Join(b.sysRoot, "devices/system/cpu/cpufreq/boost")
	if exists(boost) {
		value := "0"
		if enabled {
			value = "1"
		}
		return writeSysfs(boost, value)
	}
	return fmt.Errorf("%w: no turbo control found", models.ErrDeviceError)
}

// SetPerfBias 写入每个线程的 power/energy_perf_bias
func (b *Backend) SetPerfBias(ctx context.Context, bias uint8) error {
	if bias > models.MaxPerfBias {
		return fmt.Errorf("%w: perf bias %d", models.ErrInvalidArgument, bias)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.discoverLocked(); err != nil {
		return err
	}
	value := strconv.Itoa(int(bias))
	for _, pc := range b.cores {
		for _, cpu := range pc.cpus {
			if err := writeSysfs(filepath.Join(b.cpuDir(cpu), "power/energy_perf_bias"), value); err != nil {
				return fmt.Errorf("cpu%d: %w", cpu, err)
			}
		}
	}
	return nil
}
