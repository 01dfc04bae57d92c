package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// ModeSource 提供当前电源策略模式。实现必须无锁读取，以免与调度器锁嵌套
type ModeSource interface {
	Mode() models.PolicyMode
}

// Config 调度器配置
type Config struct {
	Scheduler models.SchedulerConfig
	Logger    *logrus.Logger
	// Observer 在释放调度器锁之后收到每个放置/迁移决策
	Observer func(models.PlacementEvent)
}

// Stats 调度统计
type Stats struct {
	Scheduled  uint64 `json:"scheduled"`
	Completed  uint64 `json:"completed"`
	Migrations uint64 `json:"migrations"`
	Active     int    `json:"active"`
}

// Scheduler 混合核心任务调度器
//
// 所有操作由一把互斥锁串行化。调度器从不在持锁期间调用策略管理器的加锁方法，
// 策略管理器也从不读取任务注册表，两把锁不会同时持有。
type Scheduler struct {
	cores    hal.CoreControl
	modes    ModeSource
	config   models.SchedulerConfig
	logger   *logrus.Logger
	observer func(models.PlacementEvent)

	mu          sync.Mutex
	initialized bool
	tracker     *loadTracker
	registry    map[uint32]models.TaskProfile
	stats       Stats
}

// New 构造调度器，调用 Init 之后才能使用
func New(cores hal.CoreControl, modes ModeSource, cfg Config) (*Scheduler, error) {
	if cores == nil {
		return nil, fmt.Errorf("%w: core control is required", models.ErrInvalidArgument)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Scheduler{
		cores:    cores,
		modes:    modes,
		config:   cfg.Scheduler,
		logger:   logger,
		observer: cfg.Observer,
		tracker:  newLoadTracker(),
		registry: make(map[uint32]models.TaskProfile),
	}, nil
}

// Init 读取拓扑并为每个核心建立空负载，重复调用无副作用
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	topology, err := s.cores.Topology(ctx)
	if err != nil {
		return fmt.Errorf("read topology failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	for _, desc := range topology {
		s.tracker.registerCore(desc)
	}
	s.initialized = true

	s.logger.Infof("Hybrid scheduler initialized (cores: %d, topology entries: %d, p_core_preference: %.2f, power_efficiency: %.2f)",
		len(s.tracker.loads), len(topology), s.config.PCorePreference, s.config.PowerEfficiency)
	return nil
}

func (s *Scheduler) mode() models.PolicyMode {
	if s.modes == nil {
		return models.ModeBalanced
	}
	return s.modes.Mode()
}

// ScheduleTask 把新任务放到得分最高的核心，返回核心ID
func (s *Scheduler) ScheduleTask(profile models.TaskProfile) (uint32, error) {
	if err := profile.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return 0, models.ErrNotInitialized
	}
	if _, exists := s.registry[profile.TaskID]; exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: task %d", models.ErrDuplicateTask, profile.TaskID)
	}

	event, err := s.placeLocked(profile, "schedule")
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.notify(event)
	return event.ToCore, nil
}

// placeLocked 选核并登记，调用方需持有锁
func (s *Scheduler) placeLocked(profile models.TaskProfile, reason string) (models.PlacementEvent, error) {
	mode := s.mode()
	target, score, err := selectTargetCore(s.tracker.loads, profile, mode, s.config)
	if err != nil {
		return models.PlacementEvent{}, err
	}
	if err := s.tracker.assign(profile, target); err != nil {
		return models.PlacementEvent{}, err
	}

	profile.LastCore = target
	s.registry[profile.TaskID] = profile
	s.stats.Scheduled++

	s.logger.WithFields(logrus.Fields{
		"task":  profile.TaskID,
		"core":  target,
		"mode":  mode.String(),
		"score": score,
	}).Debug("Task placed")

	return models.PlacementEvent{TaskID: profile.TaskID, ToCore: target, Reason: reason}, nil
}

// UpdateTask 替换任务画像（upsert），然后评估是否迁移。
// 未知任务按新任务放置，保证注册表与核心负载一致
func (s *Scheduler) UpdateTask(taskID uint32, profile models.TaskProfile) error {
	if profile.TaskID != 0 && profile.TaskID != taskID {
		return fmt.Errorf("%w: profile task_id %d does not match %d", models.ErrInvalidArgument, profile.TaskID, taskID)
	}
	profile.TaskID = taskID
	if err := profile.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return models.ErrNotInitialized
	}

	if _, exists := s.registry[taskID]; !exists {
		event, err := s.placeLocked(profile, "upsert")
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.notify(event)
		return nil
	}

	event, migrated, err := s.updateLocked(profile)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if migrated {
		s.notify(event)
	}
	return nil
}

func (s *Scheduler) updateLocked(profile models.TaskProfile) (models.PlacementEvent, bool, error) {
	current, ok := s.tracker.ownerOf(profile.TaskID)
	if !ok {
		return models.PlacementEvent{}, false, fmt.Errorf("%w: task %d has no owning core", models.ErrDeviceError, profile.TaskID)
	}

	// 任务所在核心由调度器决定，忽略调用方传入的 last_core
	profile.LastCore = current.coreID
	s.registry[profile.TaskID] = profile
	s.tracker.replace(profile)

	if !shouldMigrate(current.coreType, profile) {
		return models.PlacementEvent{}, false, nil
	}

	mode := s.mode()
	target, _, err := selectTargetCore(s.tracker.loads, profile, mode, s.config)
	if err != nil {
		return models.PlacementEvent{}, false, err
	}
	if target == current.coreID {
		return models.PlacementEvent{}, false, nil
	}

	from := current.coreID
	moved, err := s.tracker.move(profile.TaskID, target)
	if err != nil {
		return models.PlacementEvent{}, false, err
	}
	s.registry[profile.TaskID] = moved
	s.stats.Migrations++

	s.logger.WithFields(logrus.Fields{
		"task": profile.TaskID,
		"from": from,
		"to":   target,
		"mode": mode.String(),
	}).Info("Task migrated")

	return models.PlacementEvent{TaskID: profile.TaskID, FromCore: &from, ToCore: target, Reason: "migrate"}, true, nil
}

// CompleteTask 移除已完成的任务；未知ID为空操作
func (s *Scheduler) CompleteTask(taskID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return models.ErrNotInitialized
	}
	if _, exists := s.registry[taskID]; !exists {
		return nil
	}

	delete(s.registry, taskID)
	s.tracker.remove(taskID)
	s.stats.Completed++
	s.logger.Debugf("Task %d completed", taskID)
	return nil
}

// CoreLoads 返回 (core_id, utilization) 快照
func (s *Scheduler) CoreLoads() ([]models.CoreUtilization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, models.ErrNotInitialized
	}
	out := make([]models.CoreUtilization, 0, len(s.tracker.loads))
	for _, load := range s.tracker.loads {
		out = append(out, models.CoreUtilization{CoreID: load.coreID, Utilization: load.utilization})
	}
	return out, nil
}

// CoreLoadDetails 返回包含任务列表的完整负载快照
func (s *Scheduler) CoreLoadDetails() ([]models.CoreLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, models.ErrNotInitialized
	}
	return s.tracker.snapshot(), nil
}

// Task 查询任务画像
func (s *Scheduler) Task(taskID uint32) (models.TaskProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return models.TaskProfile{}, false, models.ErrNotInitialized
	}
	profile, ok := s.registry[taskID]
	return profile, ok, nil
}

// Stats 返回调度统计
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Active = s.tracker.totalTasks()
	return stats
}

// ObserveUtilization 用策略周期采集到的每核利用率 (0-1) 刷新负载
func (s *Scheduler) ObserveUtilization(utilization map[uint32]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}
	for coreID, u := range utilization {
		s.tracker.setUtilization(coreID, u)
	}
}

// RefreshUtilization 直接轮询核心控制接口刷新利用率。硬件调用期间不持锁
func (s *Scheduler) RefreshUtilization(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return models.ErrNotInitialized
	}
	ids := s.tracker.coreIDs()
	s.mu.Unlock()

	readings := make(map[uint32]float64, len(ids))
	var errs []error
	for _, id := range ids {
		state, err := s.cores.CoreState(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("core %d: %w", id, err))
			continue
		}
		readings[id] = state.Utilization()
	}

	s.ObserveUtilization(readings)
	return utilerrors.NewAggregate(errs)
}

func (s *Scheduler) notify(event models.PlacementEvent) {
	if s.observer != nil {
		s.observer(event)
	}
}
