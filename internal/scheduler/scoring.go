package scheduler

import (
	"fmt"
	"math"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

const (
	intensityBonus   = 0.3 // 任务类型与核心类型匹配时的加分
	taskCountPenalty = 0.1 // 每个已驻留任务的负载均衡扣分
)

// scoreCore 给单个核心打分，分数越高越适合
func scoreCore(load *coreLoad, profile models.TaskProfile, mode models.PolicyMode, cfg models.SchedulerConfig) float64 {
	pCoreBias := cfg.PCorePreference * mode.PCoreBiasFactor()
	headroom := 1.0 - load.utilization

	var score float64
	switch load.coreType {
	case models.CoreTypePerformance:
		score = pCoreBias * headroom
		if profile.CPUIntensity > 0.7 {
			score += intensityBonus
		}
	case models.CoreTypeEfficiency:
		score = (1.0 - pCoreBias) * headroom
		if profile.IOIntensity > 0.7 {
			score += intensityBonus
		}
	}

	score -= taskCountPenalty * float64(load.taskCount())

	if mode == models.ModePowerSaver && load.coreType == models.CoreTypeEfficiency {
		score += cfg.PowerEfficiency
	}
	return score
}

// selectTargetCore 取最高分的核心；同分时按拓扑枚举顺序取第一个
func selectTargetCore(loads []*coreLoad, profile models.TaskProfile, mode models.PolicyMode, cfg models.SchedulerConfig) (uint32, float64, error) {
	if len(loads) == 0 {
		return 0, 0, fmt.Errorf("%w: no cores registered", models.ErrCoreNotFound)
	}

	bestScore := math.Inf(-1)
	var bestCore uint32
	for _, load := range loads {
		score := scoreCore(load, profile, mode, cfg)
		if score > bestScore {
			bestScore = score
			bestCore = load.coreID
		}
	}
	return bestCore, bestScore, nil
}

// shouldMigrate 迁移迟滞条件，只在 update_task 时评估
func shouldMigrate(current models.CoreType, profile models.TaskProfile) bool {
	switch current {
	case models.CoreTypePerformance:
		return profile.CPUIntensity < 0.3 && profile.IOIntensity > 0.5
	case models.CoreTypeEfficiency:
		return profile.CPUIntensity > 0.7 && profile.IOIntensity < 0.3
	default:
		return false
	}
}
