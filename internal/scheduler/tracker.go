package scheduler

import (
	"fmt"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// coreLoad 单核负载记账。task_count 始终由 len(tasks) 得出
type coreLoad struct {
	coreID      uint32
	coreType    models.CoreType
	utilization float64
	tasks       []models.TaskProfile // 按到达顺序
}

func (c *coreLoad) taskCount() int {
	return len(c.tasks)
}

func (c *coreLoad) indexOf(taskID uint32) int {
	for i := range c.tasks {
		if c.tasks[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

// loadTracker 核心负载跟踪器，每个任务恰好属于一个 coreLoad
type loadTracker struct {
	loads []*coreLoad          // 拓扑枚举顺序
	cores map[uint32]*coreLoad // core_id -> load
	owner map[uint32]uint32    // task_id -> core_id
}

func newLoadTracker() *loadTracker {
	return &loadTracker{
		cores: make(map[uint32]*coreLoad),
		owner: make(map[uint32]uint32),
	}
}

// registerCore 幂等：同一 core_id 只建立一个空的 coreLoad
func (t *loadTracker) registerCore(desc models.CoreDescriptor) bool {
	if _, ok := t.cores[desc.CoreID]; ok {
		return false
	}
	load := &coreLoad{coreID: desc.CoreID, coreType: desc.CoreType}
	t.loads = append(t.loads, load)
	t.cores[desc.CoreID] = load
	return true
}

// assign 追加到目标核心，并把 last_core 改写为该核心
func (t *loadTracker) assign(task models.TaskProfile, coreID uint32) error {
	load, ok := t.cores[coreID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrCoreNotFound, coreID)
	}
	if _, owned := t.owner[task.TaskID]; owned {
		return fmt.Errorf("%w: task %d already assigned", models.ErrDuplicateTask, task.TaskID)
	}
	task.LastCore = coreID
	load.tasks = append(load.tasks, task)
	t.owner[task.TaskID] = coreID
	return nil
}

// remove 从持有该任务的 coreLoad 中移除；不存在时为空操作
func (t *loadTracker) remove(taskID uint32) (models.TaskProfile, bool) {
	coreID, ok := t.owner[taskID]
	if !ok {
		return models.TaskProfile{}, false
	}
	load := t.cores[coreID]
	i := load.indexOf(taskID)
	if i < 0 {
		delete(t.owner, taskID)
		return models.TaskProfile{}, false
	}
	task := load.tasks[i]
	load.tasks = append(load.tasks[:i], load.tasks[i+1:]...)
	delete(t.owner, taskID)
	return task, true
}

// replace 原位替换任务副本，保持到达顺序
func (t *loadTracker) replace(task models.TaskProfile) bool {
	coreID, ok := t.owner[task.TaskID]
	if !ok {
		return false
	}
	load := t.cores[coreID]
	i := load.indexOf(task.TaskID)
	if i < 0 {
		return false
	}
	task.LastCore = coreID
	load.tasks[i] = task
	return true
}

// move 先校验目标核心，再转移所有权，失败时不改变任何记账
func (t *loadTracker) move(taskID, to uint32) (models.TaskProfile, error) {
	if _, ok := t.cores[to]; !ok {
		return models.TaskProfile{}, fmt.Errorf("%w: %d", models.ErrCoreNotFound, to)
	}
	task, ok := t.remove(taskID)
	if !ok {
		return models.TaskProfile{}, fmt.Errorf("%w: task %d not assigned", models.ErrInvalidArgument, taskID)
	}
	if err := t.assign(task, to); err != nil {
		return models.TaskProfile{}, err
	}
	task.LastCore = to
	return task, nil
}

func (t *loadTracker) ownerOf(taskID uint32) (*coreLoad, bool) {
	coreID, ok := t.owner[taskID]
	if !ok {
		return nil, false
	}
	load, ok := t.cores[coreID]
	return load, ok
}

func (t *loadTracker) setUtilization(coreID uint32, utilization float64) bool {
	load, ok := t.cores[coreID]
	if !ok {
		return false
	}
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 1 {
		utilization = 1
	}
	load.utilization = utilization
	return true
}

func (t *loadTracker) totalTasks() int {
	total := 0
	for _, load := range t.loads {
		total += load.taskCount()
	}
	return total
}

func (t *loadTracker) coreIDs() []uint32 {
	ids := make([]uint32, 0, len(t.loads))
	for _, load := range t.loads {
		ids = append(ids, load.coreID)
	}
	return ids
}

// snapshot 深拷贝，调用方可以自由修改
func (t *loadTracker) snapshot() []models.CoreLoad {
	out := make([]models.CoreLoad, 0, len(t.loads))
	for _, load := range t.loads {
		out = append(out, models.CoreLoad{
			CoreID:      load.coreID,
			CoreType:    load.coreType,
			Utilization: load.utilization,
			TaskCount:   load.taskCount(),
			ActiveTasks: append([]models.TaskProfile{}, load.tasks...),
		})
	}
	return out
}
