package engine

import (
	"context"
	"time"

	"sniper/internal/config"
	"sniper/internal/logger"
	"sniper/internal/regime"
	"sniper/internal/scheduler"
)

// ScenarioGuard 周期性重判大盘情景，把与当前情景冲突的存量仓位平掉。
// 只在情景相对入场时刻发生变化时出手，入场时就不利的情景不追溯。
type ScenarioGuard struct {
	classifier *regime.Classifier
	registry   *Registry
	executor   *OrderExecutor
	monitor    config.MonitorConfig
}

func NewScenarioGuard(classifier *regime.Classifier, registry *Registry, executor *OrderExecutor, monitor config.MonitorConfig) *ScenarioGuard {
	return &ScenarioGuard{
		classifier: classifier,
		registry:   registry,
		executor:   executor,
		monitor:    monitor,
	}
}

// Run blocks until ctx is cancelled. 扫描节奏对齐到整点边界，
// 和情景分类用的收盘K线保持同步。
func (g *ScenarioGuard) Run(ctx context.Context) {
	interval := time.Duration(g.monitor.GuardIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger.Infof("guard: 情景守卫启动，检查间隔 %s", interval)
	scheduler.NewAlignedScheduler(ctx, interval, 0).Start(func() {
		g.sweep(ctx)
	})
}

func (g *ScenarioGuard) sweep(ctx context.Context) {
	positions := g.registry.Positions()
	if len(positions) == 0 {
		return
	}
	analysis := g.classifier.Analyze(ctx)
	if analysis.Degraded {
		// 降级结果不足以作为砍仓依据。
		logger.Warnf("guard: 情景分析降级 (scenario %d)，本轮跳过", analysis.Scenario.Number)
		return
	}
	for _, pos := range positions {
		reason := closeReason(pos, analysis)
		if reason == "" {
			continue
		}
		logger.Warnf("guard: %s %s 情景冲突 (入场 %d -> 当前 %d): %s，执行离场",
			pos.Symbol, pos.Direction, pos.EntryScenario, analysis.Scenario.Number, reason)
		if !pos.BeginClose() {
			continue
		}
		if err := g.executor.ClosePosition(ctx, pos, "大盘情景翻转"); err != nil {
			logger.Errorf("guard: %s 情景平仓失败: %v", pos.Symbol, err)
			pos.AbortClose()
		}
	}
}

// closeReason 两条规则：硬编码的敌对情景翻转，以及矩阵不再放行该方向。
// 情景号和入场时相同则一律不动。
func closeReason(pos *OpenPosition, analysis regime.Analysis) string {
	if analysis.Scenario.Number == pos.EntryScenario {
		return ""
	}
	if shouldCloseForScenario(pos, analysis.Scenario.Number) {
		return "敌对情景翻转"
	}
	if ok, why := analysis.PermitsDirection(string(pos.Direction)); !ok {
		return why
	}
	return ""
}

// shouldCloseForScenario: LONG 在情景 1/2 下出局，SHORT 在情景 3 下出局，
// 且仅当入场时不处于该敌对情景。
func shouldCloseForScenario(pos *OpenPosition, current int) bool {
	switch pos.Direction {
	case DirectionLong:
		hostile := current == 1 || current == 2
		enteredHostile := pos.EntryScenario == 1 || pos.EntryScenario == 2
		return hostile && !enteredHostile
	case DirectionShort:
		return current == 3 && pos.EntryScenario != 3
	default:
		return false
	}
}
