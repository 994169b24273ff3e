package engine

import (
	"context"
	"fmt"
	"time"

	"sniper/internal/ai"
	"sniper/internal/analysis/pattern"
	"sniper/internal/analysis/visual"
	"sniper/internal/config"
	"sniper/internal/gateway/exchange"
	"sniper/internal/logger"
	"sniper/internal/market"
	"sniper/internal/scheduler"
	"sniper/internal/store/verdictlog"
	"sniper/internal/watchlist"
)

// triggerAction 是单次报价对一条观察项的判定结果。
type triggerAction int

const (
	triggerNone triggerAction = iota
	triggerEnter
	triggerAbort
)

// TriggerScanner 轮询 FORMING 观察项：报价触线则走入场链路，
// 收盘后重验形态，破坏即清退并拉黑。
type TriggerScanner struct {
	store     *watchlist.Store
	blacklist *watchlist.Blacklist
	exchange  exchange.Exchange
	gate      *EntryGate
	executor  *OrderExecutor
	registry  *Registry
	runner    func(ctx context.Context, pos *OpenPosition)
	source    market.Source
	judge     ai.Judge
	verdicts  *verdictlog.Store
	scanner   config.ScannerConfig
	risk      config.RiskConfig

	// entry key -> open time (ms) of the last candle revalidated.
	revalidated map[string]int64
	nowFn       func() time.Time
	waitFn      func(ctx context.Context, d time.Duration) bool
}

func NewTriggerScanner(
	store *watchlist.Store,
	blacklist *watchlist.Blacklist,
	ex exchange.Exchange,
	gate *EntryGate,
	executor *OrderExecutor,
	registry *Registry,
	runner func(ctx context.Context, pos *OpenPosition),
	source market.Source,
	judge ai.Judge,
	verdicts *verdictlog.Store,
	scanner config.ScannerConfig,
	risk config.RiskConfig,
) *TriggerScanner {
	return &TriggerScanner{
		store:       store,
		blacklist:   blacklist,
		exchange:    ex,
		gate:        gate,
		executor:    executor,
		registry:    registry,
		runner:      runner,
		source:      source,
		judge:       judge,
		verdicts:    verdicts,
		scanner:     scanner,
		risk:        risk,
		revalidated: make(map[string]int64),
		nowFn:       time.Now,
		waitFn:      waitWithContext,
	}
}

// Run blocks until ctx is cancelled.
func (t *TriggerScanner) Run(ctx context.Context) {
	poll := time.Duration(t.scanner.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 10 * time.Second
	}
	logger.Infof("scanner: 启动触发扫描，轮询间隔 %s", poll)
	for {
		t.scanOnce(ctx)
		if !t.waitFn(ctx, poll) {
			return
		}
	}
}

func (t *TriggerScanner) scanOnce(ctx context.Context) {
	for _, entry := range t.store.Snapshot() {
		if entry.Status != watchlist.StatusForming {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		t.scanEntry(ctx, entry)
	}
}

func (t *TriggerScanner) scanEntry(ctx context.Context, entry watchlist.Entry) {
	ticker, err := t.exchange.GetTicker(ctx, entry.Symbol)
	if err != nil {
		logger.Warnf("scanner: %s 报价获取失败: %v", entry.Symbol, err)
		return
	}
	switch evaluateTrigger(entry, ticker.Last) {
	case triggerAbort:
		logger.Warnf("scanner: %s 触发前已到止损位 (price=%.6f sl=%.6f)，清退观察项",
			entry.Symbol, ticker.Last, entry.StopLoss)
		t.evict(entry, "触发前打损")
		return
	case triggerEnter:
		t.enter(ctx, entry, ticker.Last)
		return
	}
	t.maybeRevalidate(ctx, entry)
}

// evaluateTrigger 先查止损线再查入场线：同一根行情里两线都被穿越时，
// 以作废为准。
func evaluateTrigger(entry watchlist.Entry, price float64) triggerAction {
	if price <= 0 {
		return triggerNone
	}
	dir, err := ParseDirection(entry.Direction)
	if err != nil {
		return triggerNone
	}
	if dir == DirectionShort {
		if price >= entry.StopLoss {
			return triggerAbort
		}
		if price <= entry.Neckline {
			return triggerEnter
		}
		return triggerNone
	}
	if price <= entry.StopLoss {
		return triggerAbort
	}
	if price >= entry.Neckline {
		return triggerEnter
	}
	return triggerNone
}

func (t *TriggerScanner) enter(ctx context.Context, entry watchlist.Entry, price float64) {
	// Claim 先行：并发扫描循环里只有一方能把 FORMING 翻成 EXECUTING。
	claimed, err := t.store.Claim(entry.ID)
	if err != nil {
		logger.Warnf("scanner: %s claim 失败: %v", entry.Symbol, err)
		return
	}
	if !claimed {
		return
	}
	logger.Infof("scanner: %s %s 触发入场 (price=%.6f neckline=%.6f)",
		entry.Symbol, entry.Direction, price, entry.Neckline)

	decision := t.gate.Admit(ctx, entry)
	if !decision.Allowed {
		if decision.Blacklist {
			t.evict(entry, decision.Reason)
			return
		}
		// 瞬态拒绝（如已有持仓）：放回 FORMING 等下一轮。
		logger.Infof("scanner: %s 入场被闸门暂缓: %s", entry.Symbol, decision.Reason)
		if err := t.store.Release(entry.ID); err != nil {
			logger.Warnf("scanner: %s release 失败: %v", entry.Symbol, err)
		}
		return
	}

	pos, err := t.executor.Execute(ctx, entry, decision)
	if err != nil {
		// 下单失败不自动重试：放回 FORMING 会让下一轮重新下单。
		logger.Errorf("scanner: %s 下单失败，观察项清退: %v", entry.Symbol, err)
		t.evict(entry, "下单执行失败")
		return
	}
	if err := t.store.Remove(entry.ID); err != nil {
		logger.Warnf("scanner: %s 观察项移除失败: %v", entry.Symbol, err)
	}
	delete(t.revalidated, entry.Key())
	if err := t.registry.Register(ctx, pos, t.runner); err != nil {
		logger.Errorf("scanner: %s 监护注册失败: %v", entry.Symbol, err)
	}
}

// evict removes the entry and puts its setup on the cooldown blacklist.
func (t *TriggerScanner) evict(entry watchlist.Entry, reason string) {
	if err := t.store.Remove(entry.ID); err != nil {
		logger.Warnf("scanner: %s 观察项移除失败: %v", entry.Symbol, err)
	}
	delete(t.revalidated, entry.Key())
	if t.blacklist != nil {
		t.blacklist.Add(entry.Symbol, entry.Pattern, entry.Timeframe, reason)
	}
}

// maybeRevalidate 每根收盘K线对观察项做一次结构重验，必要时再过一道视觉复核。
func (t *TriggerScanner) maybeRevalidate(ctx context.Context, entry watchlist.Entry) {
	interval, ok := scheduler.ParseIntervalDuration(entry.Timeframe)
	if !ok {
		return
	}
	closedCandle := t.nowFn().UTC().Truncate(interval).Add(-interval).UnixMilli()
	key := entry.Key()
	if closedCandle <= t.revalidated[key] {
		return
	}
	t.revalidated[key] = closedCandle

	limit := t.scanner.ValidationCandles
	if limit <= 0 {
		limit = 200
	}
	candles, err := t.source.FetchHistory(ctx, entry.Symbol, entry.Timeframe, limit)
	if err != nil {
		logger.Warnf("scanner: %s 重验拉取K线失败: %v", entry.Symbol, err)
		return
	}
	assessment := pattern.Verify(pattern.Check{
		Name:      entry.Pattern,
		Direction: entry.Direction,
		Neckline:  entry.Neckline,
		StopLoss:  entry.StopLoss,
	}, candles)
	if !assessment.Holds {
		logger.Warnf("scanner: %s %s 形态已破坏: %s", entry.Symbol, entry.Pattern, assessment.Reason)
		t.evict(entry, fmt.Sprintf("形态破坏: %s", assessment.Reason))
		return
	}
	if assessment.Levels != nil {
		entry = t.applyRefreshedLevels(entry, *assessment.Levels)
	}
	if t.judge == nil {
		return
	}
	t.visualRecheck(ctx, entry, candles)
}

// applyRefreshedLevels 把重算后的观察位写回，状态保持 FORMING。
// 新档位破坏方向约束或变化微不足道时保留旧档位。
func (t *TriggerScanner) applyRefreshedLevels(entry watchlist.Entry, lv pattern.Levels) watchlist.Entry {
	const minShift = 0.001
	if relativeShift(entry.Neckline, lv.Neckline) < minShift &&
		relativeShift(entry.StopLoss, lv.StopLoss) < minShift &&
		relativeShift(entry.Target, lv.Target) < minShift {
		return entry
	}
	updated := entry
	updated.Neckline = lv.Neckline
	updated.StopLoss = lv.StopLoss
	updated.Target = lv.Target
	if err := updated.Validate(); err != nil {
		logger.Warnf("scanner: %s 重算档位不合法，保留旧档位: %v", entry.Symbol, err)
		return entry
	}
	if err := t.store.Upsert(updated); err != nil {
		logger.Warnf("scanner: %s 档位写回失败: %v", entry.Symbol, err)
		return entry
	}
	logger.Infof("scanner: ♻️ %s %s 观察位已刷新 neckline=%.6f sl=%.6f tp=%.6f",
		entry.Symbol, entry.Pattern, updated.Neckline, updated.StopLoss, updated.Target)
	return updated
}

func relativeShift(old, fresh float64) float64 {
	if old <= 0 {
		return 1
	}
	d := fresh - old
	if d < 0 {
		d = -d
	}
	return d / old
}

func (t *TriggerScanner) visualRecheck(ctx context.Context, entry watchlist.Entry, candles []market.Candle) {
	verdict, err := t.judgeEntry(ctx, entry, candles)
	t.logVerdict(ctx, entry, verdict, err)
	if err != nil {
		// 渲染或模型故障放行，留待下一根K线再看。
		logger.Warnf("scanner: %s 视觉复核失败，跳过本轮: %v", entry.Symbol, err)
		return
	}
	if verdict.IsInvalid() && verdict.Confidence >= t.risk.InvalidConfidenceThreshold {
		logger.Warnf("scanner: %s 视觉判定 INVALID (%.2f): %s", entry.Symbol, verdict.Confidence, verdict.Reasoning)
		t.evict(entry, "视觉判定形态无效")
	}
}

func (t *TriggerScanner) judgeEntry(ctx context.Context, entry watchlist.Entry, candles []market.Candle) (ai.Verdict, error) {
	img, err := visual.RenderSetup(visual.SetupInput{
		Context:   ctx,
		Symbol:    entry.Symbol,
		Interval:  entry.Timeframe,
		Candles:   candles,
		Pattern:   entry.Pattern,
		Direction: entry.Direction,
		Neckline:  entry.Neckline,
		StopLoss:  entry.StopLoss,
		Target:    entry.Target,
	})
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("渲染图表失败: %w", err)
	}
	return t.judge.JudgeSetup(ctx, ai.JudgeRequest{
		Symbol:    entry.Symbol,
		Timeframe: entry.Timeframe,
		Pattern:   entry.Pattern,
		Direction: entry.Direction,
		Neckline:  entry.Neckline,
		StopLoss:  entry.StopLoss,
		Target:    entry.Target,
		ChartPNG:  img.Bytes,
	})
}

func (t *TriggerScanner) logVerdict(ctx context.Context, entry watchlist.Entry, verdict ai.Verdict, err error) {
	if t.verdicts == nil {
		return
	}
	rec := verdictlog.Record{
		Symbol:     entry.Symbol,
		Pattern:    entry.Pattern,
		Timeframe:  entry.Timeframe,
		Stage:      verdictlog.StagePreEntry,
		Status:     verdict.Status,
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := t.verdicts.Append(ctx, rec); werr != nil {
		logger.Warnf("scanner: 判定日志写入失败: %v", werr)
	}
}
