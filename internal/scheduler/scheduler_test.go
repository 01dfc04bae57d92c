package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/hybrid-power-sched/pkg/cpusim"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// fixedMode 固定返回同一个模式
type fixedMode struct {
	mu   sync.Mutex
	mode models.PolicyMode
}

func (f *fixedMode) Mode() models.PolicyMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fixedMode) set(mode models.PolicyMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// twoCoreTopology 一个 P 核 (0) 和一个 E 核 (1)
func twoCoreTopology() []models.CoreDescriptor {
	return []models.CoreDescriptor{
		{CoreID: 0, CoreType: models.CoreTypePerformance, ThreadID: 0},
		{CoreID: 1, CoreType: models.CoreTypeEfficiency, ThreadID: 1},
	}
}

func newTestScheduler(t *testing.T, topology []models.CoreDescriptor, mode models.PolicyMode) (*Scheduler, *fixedMode, *cpusim.Simulator) {
	t.Helper()
	sim := cpusim.New(topology)
	modes := &fixedMode{mode: mode}
	s, err := New(sim, modes, Config{Scheduler: models.DefaultSchedulerConfig(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, modes, sim
}

func cpuBound(id uint32) models.TaskProfile {
	return models.TaskProfile{TaskID: id, Priority: 5, CPUIntensity: 0.9, MemoryIntensity: 0.2, IOIntensity: 0.1}
}

func assertInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	loads, err := s.CoreLoadDetails()
	if err != nil {
		t.Fatalf("CoreLoadDetails: %v", err)
	}
	seen := make(map[uint32]uint32)
	total := 0
	for _, load := range loads {
		if load.TaskCount != len(load.ActiveTasks) {
			t.Errorf("core %d: task_count %d != len(active_tasks) %d", load.CoreID, load.TaskCount, len(load.ActiveTasks))
		}
		for _, task := range load.ActiveTasks {
			if task.LastCore != load.CoreID {
				t.Errorf("task %d on core %d has last_core %d", task.TaskID, load.CoreID, task.LastCore)
			}
			if other, dup := seen[task.TaskID]; dup {
				t.Errorf("task %d owned by both core %d and core %d", task.TaskID, other, load.CoreID)
			}
			seen[task.TaskID] = load.CoreID
			registered, ok, _ := s.Task(task.TaskID)
			if !ok {
				t.Errorf("task %d queued on core %d but missing from registry", task.TaskID, load.CoreID)
			} else if registered != task {
				t.Errorf("task %d registry copy %+v differs from queued copy %+v", task.TaskID, registered, task)
			}
		}
		total += load.TaskCount
	}
	stats := s.Stats()
	if want := int(stats.Scheduled - stats.Completed); total != want {
		t.Errorf("sum(task_count) = %d, want scheduled-completed = %d", total, want)
	}
}

func TestCallsBeforeInitFail(t *testing.T) {
	sim := cpusim.New(twoCoreTopology())
	s, err := New(sim, &fixedMode{}, Config{Scheduler: models.DefaultSchedulerConfig(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.ScheduleTask(cpuBound(1)); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("ScheduleTask before Init: got %v, want ErrNotInitialized", err)
	}
	if err := s.UpdateTask(1, cpuBound(1)); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("UpdateTask before Init: got %v, want ErrNotInitialized", err)
	}
	if err := s.CompleteTask(1); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("CompleteTask before Init: got %v, want ErrNotInitialized", err)
	}
	if _, err := s.CoreLoads(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("CoreLoads before Init: got %v, want ErrNotInitialized", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	sim := cpusim.New(twoCoreTopology())
	cfg := models.DefaultSchedulerConfig()
	cfg.PCorePreference = 1.5
	if _, err := New(sim, nil, Config{Scheduler: cfg}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	if _, err := New(nil, nil, Config{Scheduler: models.DefaultSchedulerConfig()}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("nil core control: got %v, want ErrInvalidArgument", err)
	}
}

func TestInitCollapsesHardwareThreads(t *testing.T) {
	sim := cpusim.NewI31215U()
	s, err := New(sim, nil, Config{Scheduler: models.DefaultSchedulerConfig(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Init(context.Background()); err != nil {
			t.Fatalf("Init #%d: %v", i, err)
		}
	}

	loads, err := s.CoreLoads()
	if err != nil {
		t.Fatalf("CoreLoads: %v", err)
	}
	if len(loads) != 6 {
		t.Fatalf("got %d core loads, want 6 (2 P-cores + 4 E-cores)", len(loads))
	}
	for i, load := range loads {
		if load.CoreID != uint32(i) {
			t.Errorf("loads[%d].CoreID = %d, want enumeration order", i, load.CoreID)
		}
	}
}

func TestPlacementFollowsPolicyMode(t *testing.T) {
	tests := []struct {
		name string
		mode models.PolicyMode
		want uint32
	}{
		{"performance selects P-core", models.ModePerformance, 0},
		{"custom behaves as performance", models.ModeCustom, 0},
		{"balanced still selects P-core", models.ModeBalanced, 0},
		{"power saver selects E-core", models.ModePowerSaver, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestScheduler(t, twoCoreTopology(), tt.mode)
			core, err := s.ScheduleTask(cpuBound(1))
			if err != nil {
				t.Fatalf("ScheduleTask: %v", err)
			}
			if core != tt.want {
				t.Fatalf("placed on core %d, want %d", core, tt.want)
			}
			assertInvariants(t, s)
		})
	}
}

func TestIOBoundTaskPrefersEfficiencyCore(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	// P: 0.49, E: 0.51 + 0.3
	core, err := s.ScheduleTask(models.TaskProfile{TaskID: 7, CPUIntensity: 0.2, IOIntensity: 0.9})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if core != 1 {
		t.Fatalf("placed on core %d, want E-core 1", core)
	}
}

func TestTiesBreakToLowestCoreID(t *testing.T) {
	topology := []models.CoreDescriptor{
		{CoreID: 0, CoreType: models.CoreTypeEfficiency},
		{CoreID: 1, CoreType: models.CoreTypeEfficiency},
		{CoreID: 2, CoreType: models.CoreTypeEfficiency},
	}
	s, _, _ := newTestScheduler(t, topology, models.ModeBalanced)

	// 每放置一个任务，该核心扣 0.1 分，依次轮转
	want := []uint32{0, 1, 2, 0}
	for i, expected := range want {
		core, err := s.ScheduleTask(models.TaskProfile{TaskID: uint32(i + 1)})
		if err != nil {
			t.Fatalf("ScheduleTask %d: %v", i+1, err)
		}
		if core != expected {
			t.Fatalf("task %d placed on core %d, want %d", i+1, core, expected)
		}
	}
	assertInvariants(t, s)
}

func TestLoadBalancingPenaltySpillsOver(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModePerformance)

	// P: 1.0 - 0.1n, E: 0.3 → 第 8 个任务转向 E 核
	var placements []uint32
	for i := uint32(1); i <= 8; i++ {
		core, err := s.ScheduleTask(cpuBound(i))
		if err != nil {
			t.Fatalf("ScheduleTask %d: %v", i, err)
		}
		placements = append(placements, core)
	}
	for i := 0; i < 7; i++ {
		if placements[i] != 0 {
			t.Fatalf("task %d placed on core %d, want P-core", i+1, placements[i])
		}
	}
	if placements[7] != 1 {
		t.Fatalf("task 8 placed on core %d, want E-core after penalty", placements[7])
	}
	assertInvariants(t, s)
}

func TestUtilizationShiftsPlacement(t *testing.T) {
	s, _, sim := newTestScheduler(t, twoCoreTopology(), models.ModePerformance)
	sim.SetUtilization(0, 100)
	sim.SetUtilization(1, 50)
	if err := s.RefreshUtilization(context.Background()); err != nil {
		t.Fatalf("RefreshUtilization: %v", err)
	}

	// P: 0.7*0 + 0.3 = 0.3, E: 0.3*0.5 = 0.15
	core, err := s.ScheduleTask(cpuBound(1))
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if core != 0 {
		t.Fatalf("placed on core %d, want intensity bonus to keep P-core 0", core)
	}

	s.ObserveUtilization(map[uint32]float64{0: 1.0, 1: 0.1})
	core, err = s.ScheduleTask(models.TaskProfile{TaskID: 2, CPUIntensity: 0.5})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if core != 1 {
		t.Fatalf("placed on saturated P-core %d, want E-core 1", core)
	}

	loads, _ := s.CoreLoads()
	if loads[0].Utilization != 1.0 || loads[1].Utilization != 0.1 {
		t.Fatalf("unexpected utilization snapshot %+v", loads)
	}
}

func TestRefreshUtilizationAggregatesFailures(t *testing.T) {
	s, _, sim := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	sim.SetUtilization(1, 40)
	sim.FailCore(0, models.ErrDeviceError)

	err := s.RefreshUtilization(context.Background())
	if !errors.Is(err, models.ErrDeviceError) {
		t.Fatalf("got %v, want aggregated ErrDeviceError", err)
	}
	loads, _ := s.CoreLoads()
	if loads[1].Utilization != 0.4 {
		t.Fatalf("core 1 utilization = %v, want 0.4 despite core 0 failure", loads[1].Utilization)
	}
}

func TestScheduleDuplicateRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)

	if _, err := s.ScheduleTask(cpuBound(42)); err != nil {
		t.Fatalf("first ScheduleTask: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ScheduleTask(cpuBound(42)); !errors.Is(err, models.ErrDuplicateTask) {
			t.Fatalf("duplicate #%d: got %v, want ErrDuplicateTask", i, err)
		}
	}

	loads, _ := s.CoreLoadDetails()
	total := 0
	for _, load := range loads {
		total += load.TaskCount
	}
	if total != 1 {
		t.Fatalf("duplicate changed bookkeeping: %d tasks tracked, want 1", total)
	}
	assertInvariants(t, s)
}

func TestScheduleRejectsInvalidIntensity(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	for _, profile := range []models.TaskProfile{
		{TaskID: 1, CPUIntensity: 1.2},
		{TaskID: 2, IOIntensity: -0.1},
		{TaskID: 3, MemoryIntensity: 2},
	} {
		if _, err := s.ScheduleTask(profile); !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("profile %+v: got %v, want ErrInvalidArgument", profile, err)
		}
	}
}

func TestScheduleWithoutCores(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil, models.ModeBalanced)
	if _, err := s.ScheduleTask(cpuBound(1)); !errors.Is(err, models.ErrCoreNotFound) {
		t.Fatalf("got %v, want ErrCoreNotFound", err)
	}
}

func TestUpdateTaskMigratesToEfficiencyCore(t *testing.T) {
	var events []models.PlacementEvent
	sim := cpusim.New(twoCoreTopology())
	s, err := New(sim, &fixedMode{mode: models.ModeBalanced}, Config{
		Scheduler: models.DefaultSchedulerConfig(),
		Logger:    quietLogger(),
		Observer:  func(e models.PlacementEvent) { events = append(events, e) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	core, err := s.ScheduleTask(cpuBound(9))
	if err != nil || core != 0 {
		t.Fatalf("ScheduleTask = %d, %v; want core 0", core, err)
	}

	// P: 0.49 - 0.1 = 0.39, E: 0.51 → 迁移
	updated := models.TaskProfile{TaskID: 9, Priority: 5, CPUIntensity: 0.1, IOIntensity: 0.6, LastCore: 77}
	if err := s.UpdateTask(9, updated); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	loads, _ := s.CoreLoadDetails()
	if loads[0].TaskCount != 0 {
		t.Fatalf("source core still holds %d tasks", loads[0].TaskCount)
	}
	if loads[1].TaskCount != 1 || loads[1].ActiveTasks[0].TaskID != 9 {
		t.Fatalf("destination core tasks = %+v, want task 9", loads[1].ActiveTasks)
	}
	if loads[1].ActiveTasks[0].LastCore != 1 {
		t.Fatalf("last_core = %d, want 1", loads[1].ActiveTasks[0].LastCore)
	}
	profile, _, _ := s.Task(9)
	if profile.LastCore != 1 || profile.CPUIntensity != 0.1 {
		t.Fatalf("registry profile = %+v", profile)
	}
	if s.Stats().Migrations != 1 {
		t.Fatalf("migrations = %d, want 1", s.Stats().Migrations)
	}

	if len(events) != 2 {
		t.Fatalf("got %d placement events, want schedule + migrate", len(events))
	}
	if events[1].FromCore == nil || *events[1].FromCore != 0 || events[1].ToCore != 1 {
		t.Fatalf("migration event = %+v", events[1])
	}
	assertInvariants(t, s)
}

func TestUpdateTaskWithoutTriggerStays(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	if _, err := s.ScheduleTask(cpuBound(3)); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	// cpu 0.4 不满足 P→E 条件
	if err := s.UpdateTask(3, models.TaskProfile{CPUIntensity: 0.4, IOIntensity: 0.9, RunTimeMs: 120}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	loads, _ := s.CoreLoadDetails()
	if loads[0].TaskCount != 1 || loads[0].ActiveTasks[0].RunTimeMs != 120 {
		t.Fatalf("task should stay on core 0 with refreshed profile, got %+v", loads[0].ActiveTasks)
	}
	assertInvariants(t, s)
}

func TestUpdateTaskTriggeredButSameWinner(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModePerformance)
	if _, err := s.ScheduleTask(cpuBound(3)); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	// 触发迁移条件，但 Performance 模式下 P: 0.7 - 0.1 = 0.6 仍高于 E: 0.3
	if err := s.UpdateTask(3, models.TaskProfile{CPUIntensity: 0.1, IOIntensity: 0.6}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	loads, _ := s.CoreLoadDetails()
	if loads[0].TaskCount != 1 {
		t.Fatalf("task moved although P-core still wins: %+v", loads)
	}
	if s.Stats().Migrations != 0 {
		t.Fatalf("unexpected migration")
	}
}

func TestUpdateTaskMigratesToPerformanceCore(t *testing.T) {
	s, modes, _ := newTestScheduler(t, twoCoreTopology(), models.ModePowerSaver)
	core, err := s.ScheduleTask(models.TaskProfile{TaskID: 5, CPUIntensity: 0.5, IOIntensity: 0.5})
	if err != nil || core != 1 {
		t.Fatalf("ScheduleTask = %d, %v; want E-core", core, err)
	}

	modes.set(models.ModePerformance)
	if err := s.UpdateTask(5, models.TaskProfile{CPUIntensity: 0.9, IOIntensity: 0.1}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	profile, _, _ := s.Task(5)
	if profile.LastCore != 0 {
		t.Fatalf("task on core %d, want P-core 0", profile.LastCore)
	}
	assertInvariants(t, s)
}

func TestUpdateUnknownTaskUpserts(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModePerformance)
	if err := s.UpdateTask(11, cpuBound(11)); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	profile, ok, _ := s.Task(11)
	if !ok || profile.LastCore != 0 {
		t.Fatalf("upserted task = %+v, %v", profile, ok)
	}
	assertInvariants(t, s)
}

func TestUpdateTaskIDMismatch(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	if err := s.UpdateTask(1, cpuBound(2)); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCompleteTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, twoCoreTopology(), models.ModeBalanced)
	for i := uint32(1); i <= 4; i++ {
		if _, err := s.ScheduleTask(cpuBound(i)); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	if err := s.CompleteTask(2); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.CompleteTask(2); err != nil {
		t.Fatalf("second CompleteTask: %v", err)
	}
	if err := s.CompleteTask(999); err != nil {
		t.Fatalf("CompleteTask unknown id: got %v, want nil", err)
	}
	if _, ok, _ := s.Task(2); ok {
		t.Fatalf("task 2 still registered")
	}

	// 剩余任务保持到达顺序
	loads, _ := s.CoreLoadDetails()
	var order []uint32
	for _, load := range loads {
		for _, task := range load.ActiveTasks {
			order = append(order, task.TaskID)
		}
	}
	if len(order) != 3 {
		t.Fatalf("remaining tasks %v, want 3", order)
	}
	assertInvariants(t, s)
}

func TestConcurrentOperationsKeepInvariants(t *testing.T) {
	s, modes, _ := newTestScheduler(t, cpusimTopology(), models.ModeBalanced)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := uint32(worker*1000 + i)
				if _, err := s.ScheduleTask(models.TaskProfile{TaskID: id, CPUIntensity: 0.8, IOIntensity: 0.2}); err != nil {
					t.Errorf("ScheduleTask %d: %v", id, err)
					return
				}
				_ = s.UpdateTask(id, models.TaskProfile{CPUIntensity: 0.1, IOIntensity: 0.7})
				if i%3 == 0 {
					_ = s.CompleteTask(id)
				}
				if i%10 == 0 {
					modes.set(models.PolicyMode(i % 4))
				}
			}
		}(worker)
	}
	wg.Wait()
	assertInvariants(t, s)
}

func cpusimTopology() []models.CoreDescriptor {
	topology, _ := cpusim.NewI31215U().Topology(context.Background())
	return topology
}
