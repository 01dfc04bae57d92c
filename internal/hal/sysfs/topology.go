package sysfs

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// physicalCore 一个物理核心及其逻辑 CPU
type physicalCore struct {
	id       uint32
	coreType models.CoreType
	cpus     []int // 升序
}

// parseCPUList 解析内核 cpu list 格式，如 "0-3,8,10-11"
func parseCPUList(list string) (sets.Set[int], error) {
	out := sets.New[int]()
	list = strings.TrimSpace(list)
	if list == "" {
		return out, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: cpu list %q", models.ErrInvalidArgument, list)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("%w: cpu list %q", models.ErrInvalidArgument, list)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			out.Insert(cpu)
		}
	}
	return out, nil
}

// discoverLocked 读取在线 CPU，并按 (package, core) 分组为物理核心。
// 核心类型优先取 cpu_core/cpu_atom PMU 的 cpus 列表，其次比较 cpu_capacity
func (b *Backend) discoverLocked() error {
	if b.cores != nil {
		return nil
	}

	base := filepath.Join(b.sysRoot, "devices/system/cpu")
	onlineList, err := readSysfsString(filepath.Join(base, "online"))
	if err != nil {
		return fmt.Errorf("%w: read online cpus: %v", models.ErrDeviceError, err)
	}
	online, err := parseCPUList(onlineList)
	if err != nil {
		return err
	}

	types := b.coreTypes(online)

	type coreKey struct{ pkg, core string }
	index := make(map[coreKey]*physicalCore)
	var cores []*physicalCore
	for _, cpu := range sets.List(online) {
		topo := filepath.Join(b.cpuDir(cpu), "topology")
		pkg, _ := readSysfsString(filepath.Join(topo, "physical_package_id"))
		coreID, err := readSysfsString(filepath.Join(topo, "core_id"))
		if err != nil {
			coreID = "cpu" + strconv.Itoa(cpu)
		}
		key := coreKey{pkg: pkg, core: coreID}
		pc, ok := index[key]
		if !ok {
			pc = &physicalCore{id: uint32(len(cores)), coreType: types[cpu]}
			index[key] = pc
			cores = append(cores, pc)
		}
		pc.cpus = append(pc.cpus, cpu)
	}

	b.cores = make([]physicalCore, 0, len(cores))
	b.byCore = make(map[uint32]*physicalCore, len(cores))
	for _, pc := range cores {
		b.cores = append(b.cores, *pc)
	}
	for i := range b.cores {
		b.byCore[b.cores[i].id] = &b.cores[i]
	}

	b.logger.Infof("Discovered %d physical cores across %d online cpus", len(b.cores), online.Len())
	return nil
}

func (b *Backend) coreTypes(online sets.Set[int]) map[int]models.CoreType {
	types := make(map[int]models.CoreType, online.Len())
	for cpu := range online {
		types[cpu] = models.CoreTypePerformance
	}

	if list, err := readSysfsString(filepath.Join(b.sysRoot, "devices/cpu_atom/cpus")); err == nil {
		if atoms, err := parseCPUList(list); err == nil {
			for cpu := range atoms.Intersection(online) {
				types[cpu] = models.CoreTypeEfficiency
			}
			return types
		}
	}

	capacities := make(map[int]uint64, online.Len())
	var maxCapacity uint64
	for cpu := range online {
		capacity, err := readSysfsUint(filepath.Join(b.cpuDir(cpu), "cpu_capacity"))
		if err != nil {
			return types
		}
		capacities[cpu] = capacity
		if capacity > maxCapacity {
			maxCapacity = capacity
		}
	}
	for cpu, capacity := range capacities {
		if capacity < maxCapacity {
			types[cpu] = models.CoreTypeEfficiency
		}
	}
	return types
}

func (b *Backend) core(coreID uint32) (*physicalCore, error) {
	if err := b.discoverLocked(); err != nil {
		return nil, err
	}
	pc, ok := b.byCore[coreID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrCoreNotFound, coreID)
	}
	return pc, nil
}

// Topology 每个逻辑 CPU 一条记录，同一物理核心的线程共享 core_id
func (b *Backend) Topology(ctx context.Context) ([]models.CoreDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.discoverLocked(); err != nil {
		return nil, err
	}
	var out []models.CoreDescriptor
	for _, pc := range b.cores {
		for _, cpu := range pc.cpus {
			out = append(out, models.CoreDescriptor{CoreID: pc.id, CoreType: pc.coreType, ThreadID: uint32(cpu)})
		}
	}
	return out, nil
}
