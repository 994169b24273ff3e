package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"sniper/internal/gateway/exchange"
	"sniper/internal/logger"
	"sniper/internal/regime"
	"sniper/internal/store/gormstore"
	"sniper/internal/watchlist"
)

// GateDecision 是一次准入判定的结果。
type GateDecision struct {
	Allowed   bool
	Reason    string
	Blacklist bool // true when the rejection should cool the setup down
	Analysis  regime.Analysis
	Direction Direction
}

// EntryGate 在触发成立后、下单之前做最后一道准入检查：
// 方向合法、情景放行、未在冷却、该交易对没有存量仓位或监护任务。
type EntryGate struct {
	classifier *regime.Classifier
	blacklist  *watchlist.Blacklist
	exchange   exchange.Exchange
	registry   *Registry
	audit      *gormstore.Store
}

func NewEntryGate(classifier *regime.Classifier, blacklist *watchlist.Blacklist, ex exchange.Exchange, registry *Registry, audit *gormstore.Store) *EntryGate {
	return &EntryGate{
		classifier: classifier,
		blacklist:  blacklist,
		exchange:   ex,
		registry:   registry,
		audit:      audit,
	}
}

// Admit evaluates the entry. Every decision, including rejections, is
// persisted to the audit trail.
func (g *EntryGate) Admit(ctx context.Context, entry watchlist.Entry) GateDecision {
	decision := g.evaluate(ctx, entry)
	g.persist(ctx, entry, decision)
	if decision.Allowed {
		logger.Infof("gate: %s %s 准入放行 (%s)", entry.Symbol, entry.Direction, decision.Reason)
	} else {
		logger.Warnf("gate: %s %s 被拒: %s", entry.Symbol, entry.Direction, decision.Reason)
	}
	return decision
}

func (g *EntryGate) evaluate(ctx context.Context, entry watchlist.Entry) GateDecision {
	direction, err := ParseDirection(entry.Direction)
	if err != nil {
		return GateDecision{Reason: err.Error(), Blacklist: true}
	}

	if g.blacklist != nil && g.blacklist.Contains(entry.Symbol, entry.Pattern, entry.Timeframe) {
		return GateDecision{Reason: "形态处于冷却期", Direction: direction}
	}

	if g.registry != nil && g.registry.Supervising(entry.Symbol) {
		return GateDecision{Reason: fmt.Sprintf("%s 已有监护中的仓位", entry.Symbol), Direction: direction}
	}

	analysis := g.classifier.Analyze(ctx)
	if ok, reason := analysis.PermitsDirection(string(direction)); !ok {
		return GateDecision{Reason: reason, Blacklist: true, Analysis: analysis, Direction: direction}
	}

	// 触发侧自检只告警不拦截：触发和闸门之间价格可能已经回到颈线另一侧。
	if ticker, terr := g.exchange.GetTicker(ctx, entry.Symbol); terr == nil {
		if direction == DirectionShort && ticker.Last > entry.Neckline {
			logger.Warnf("gate: %s SHORT 触发后价格 %.6f 已回到颈线 %.6f 上方", entry.Symbol, ticker.Last, entry.Neckline)
		}
		if direction == DirectionLong && ticker.Last < entry.Neckline {
			logger.Warnf("gate: %s LONG 触发后价格 %.6f 已回到颈线 %.6f 下方", entry.Symbol, ticker.Last, entry.Neckline)
		}
	}

	pos, err := g.exchange.GetPosition(ctx, entry.Symbol)
	if err != nil {
		// 查询失败不放行也不拉黑，等下一轮触发重试。
		return GateDecision{Reason: fmt.Sprintf("查询持仓失败: %v", err), Analysis: analysis, Direction: direction}
	}
	if pos.Size > 0 {
		return GateDecision{Reason: fmt.Sprintf("%s 交易所已有持仓 size=%v", entry.Symbol, pos.Size), Analysis: analysis, Direction: direction}
	}

	return GateDecision{
		Allowed:   true,
		Reason:    fmt.Sprintf("情景%d放行", analysis.Scenario.Number),
		Analysis:  analysis,
		Direction: direction,
	}
}

func (g *EntryGate) persist(ctx context.Context, entry watchlist.Entry, decision GateDecision) {
	if g.audit == nil {
		return
	}
	verdict := gormstore.GateRejected
	if decision.Allowed {
		verdict = gormstore.GateAccepted
	}
	details, _ := json.Marshal(map[string]any{
		"neckline":  entry.Neckline,
		"stop_loss": entry.StopLoss,
		"target":    entry.Target,
		"btc_trend": decision.Analysis.BTCTrend,
		"dom_trend": decision.Analysis.DomTrend,
	})
	rec := gormstore.GateAuditRecord{
		EntryID:   entry.ID,
		Symbol:    entry.Symbol,
		Pattern:   entry.Pattern,
		Timeframe: entry.Timeframe,
		Direction: entry.Direction,
		Decision:  verdict,
		Reason:    decision.Reason,
		Scenario:  decision.Analysis.Scenario.Number,
		Details:   details,
	}
	if err := g.audit.RecordGateDecision(ctx, rec); err != nil {
		logger.Warnf("gate: 审计写入失败: %v", err)
	}
}
