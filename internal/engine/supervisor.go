package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"sniper/internal/ai"
	"sniper/internal/analysis/visual"
	"sniper/internal/config"
	"sniper/internal/gateway/exchange"
	"sniper/internal/gateway/notifier"
	"sniper/internal/logger"
	"sniper/internal/market"
	"sniper/internal/pkg/circuit"
	"sniper/internal/scheduler"
	"sniper/internal/store/gormstore"
	"sniper/internal/store/verdictlog"
)

// PostEntrySupervisor 监护单个仓位直到离场：
// 保本推进（两层止损修复）、收盘后形态复核（双重确认才砍仓）。
type PostEntrySupervisor struct {
	exchange exchange.Exchange
	executor *OrderExecutor
	source   market.Source
	judge    ai.Judge
	verdicts *verdictlog.Store
	trades   *gormstore.Store
	notify   notifier.TextNotifier
	monitor  config.MonitorConfig
	risk     config.RiskConfig

	validationCandles int
	nowFn             func() time.Time
	waitFn            func(ctx context.Context, d time.Duration) bool
}

func NewPostEntrySupervisor(
	ex exchange.Exchange,
	executor *OrderExecutor,
	source market.Source,
	judge ai.Judge,
	verdicts *verdictlog.Store,
	trades *gormstore.Store,
	notify notifier.TextNotifier,
	monitor config.MonitorConfig,
	risk config.RiskConfig,
	validationCandles int,
) *PostEntrySupervisor {
	if notify == nil {
		notify = notifier.Noop{}
	}
	if validationCandles <= 0 {
		validationCandles = 200
	}
	return &PostEntrySupervisor{
		exchange:          ex,
		executor:          executor,
		source:            source,
		judge:             judge,
		verdicts:          verdicts,
		trades:            trades,
		notify:            notify,
		monitor:           monitor,
		risk:              risk,
		validationCandles: validationCandles,
		nowFn:             time.Now,
		waitFn:            waitWithContext,
	}
}

// Run blocks until the position closes or ctx is cancelled. Designed to be
// launched through Registry.Register.
func (s *PostEntrySupervisor) Run(ctx context.Context, pos *OpenPosition) {
	poll := time.Duration(s.monitor.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 30 * time.Second
	}
	backoff := time.Duration(s.monitor.ErrorBackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	breaker := circuit.NewCircuitBreaker("supervisor-"+pos.Symbol, 5, 2*time.Minute)

	var lastRevalidatedCandle int64
	interval, hasInterval := scheduler.ParseIntervalDuration(pos.Timeframe)

	logger.Infof("supervisor: %s 开始监护 entry=%.6f sl=%.6f tp=%.6f be_trigger=%.6f",
		pos.Symbol, pos.EntryPrice, pos.StopLoss, pos.Target, pos.BreakEvenTrigger(s.risk.BreakEvenFraction))

	for {
		if pos.Closed() {
			return
		}
		if !breaker.Allow() {
			if !s.waitFn(ctx, backoff) {
				return
			}
			continue
		}

		live, err := s.exchange.GetPosition(ctx, pos.Symbol)
		if err != nil {
			breaker.RecordFailure()
			logger.Warnf("supervisor: %s 查询持仓失败: %v", pos.Symbol, err)
			if !s.waitFn(ctx, backoff) {
				return
			}
			continue
		}
		breaker.RecordSuccess()

		// 仓位在交易所侧已消失：止损或止盈已成交。
		if live.Size <= 0 {
			if pos.BeginClose() {
				s.executor.finalizeClose(ctx, pos, live.MarkPrice, "仓位已在交易所侧离场")
			}
			return
		}

		s.promoteBreakEven(ctx, pos, live)

		if hasInterval && s.judge != nil {
			closedCandle := s.latestClosedCandle(interval)
			if closedCandle > lastRevalidatedCandle {
				lastRevalidatedCandle = closedCandle
				if s.revalidate(ctx, pos) {
					return
				}
			}
		}

		if !s.waitFn(ctx, poll) {
			return
		}
	}
}

// breakEvenHit 判定价格是否已走完触发保本所需的行程。
func (s *PostEntrySupervisor) breakEvenHit(pos *OpenPosition, markPrice float64) bool {
	if markPrice <= 0 {
		return false
	}
	trigger := pos.BreakEvenTrigger(s.risk.BreakEvenFraction)
	if pos.Direction == DirectionShort {
		return markPrice <= trigger
	}
	return markPrice >= trigger
}

// promoteBreakEven 只有在某一层修复成功后才落下 armed 标记，
// 失败的周期下一轮还会重试。
func (s *PostEntrySupervisor) promoteBreakEven(ctx context.Context, pos *OpenPosition, live *exchange.Position) {
	if pos.BreakEvenArmed() || !s.breakEvenHit(pos, live.MarkPrice) {
		return
	}
	if s.applyBreakEven(ctx, pos, live) {
		pos.ArmBreakEven()
	}
}

// applyBreakEven moves the stop to break-even with two repair layers.
// Layer 1 amends the position stop and verifies it landed. Layer 2 replaces
// the resting stop orders with a fresh reduce-only conditional. When both
// fail the position is left unprotected: that is a loud, fatal-level event,
// but supervision continues so the invalidation path can still exit.
func (s *PostEntrySupervisor) applyBreakEven(ctx context.Context, pos *OpenPosition, live *exchange.Position) bool {
	newStop := pos.BreakEvenStop(s.risk.FeeBufferPct)
	logger.Infof("supervisor: %s 触发保本，移动止损至 %.6f", pos.Symbol, newStop)

	if s.modifyAndVerifyStop(ctx, pos, newStop) {
		s.recordStopMoved(ctx, pos, newStop, "layer1")
		return true
	}
	logger.Warnf("supervisor: %s 第一层止损修复失败，进入第二层", pos.Symbol)

	if s.replaceStopOrders(ctx, pos, live, newStop) {
		s.recordStopMoved(ctx, pos, newStop, "layer2")
		return true
	}

	logger.Errorf("supervisor: %s 两层止损修复全部失败，仓位处于无保护状态！", pos.Symbol)
	go func() {
		msg := fmt.Sprintf("🚨 *止损修复失败* %s %s\n仓位当前无保本保护，请人工检查！", pos.Symbol, pos.Direction)
		if err := s.notify.SendText(msg); err != nil {
			logger.Warnf("supervisor: telegram 推送失败: %v", err)
		}
	}()
	return false
}

func (s *PostEntrySupervisor) modifyAndVerifyStop(ctx context.Context, pos *OpenPosition, newStop float64) bool {
	if err := s.exchange.ModifyStopLoss(ctx, pos.Symbol, newStop); err != nil {
		logger.Warnf("supervisor: %s 改止损请求失败: %v", pos.Symbol, err)
		return false
	}
	wait := time.Duration(s.monitor.StopVerifyWaitMs) * time.Millisecond
	if wait <= 0 {
		wait = 2 * time.Second
	}
	if !s.waitFn(ctx, wait) {
		return false
	}
	live, err := s.exchange.GetPosition(ctx, pos.Symbol)
	if err != nil {
		logger.Warnf("supervisor: %s 改止损后校验失败: %v", pos.Symbol, err)
		return false
	}
	return stopWithinTolerance(live.StopLoss, newStop, s.monitor.StopTolerancePct)
}

func stopWithinTolerance(actual, expected, tolerancePct float64) bool {
	if expected <= 0 || actual <= 0 {
		return false
	}
	if tolerancePct <= 0 {
		tolerancePct = 0.01
	}
	return math.Abs(actual-expected)/expected <= tolerancePct
}

func (s *PostEntrySupervisor) replaceStopOrders(ctx context.Context, pos *OpenPosition, live *exchange.Position, newStop float64) bool {
	orders, err := s.exchange.ListStopOrders(ctx, pos.Symbol)
	if err != nil {
		logger.Warnf("supervisor: %s 查询止损挂单失败: %v", pos.Symbol, err)
		return false
	}
	for _, o := range orders {
		if err := s.exchange.CancelOrder(ctx, pos.Symbol, o.OrderID); err != nil {
			logger.Warnf("supervisor: %s 撤销止损单 %s 失败: %v", pos.Symbol, o.OrderID, err)
		}
	}
	closeSide, err := pos.Direction.CloseSide()
	if err != nil {
		return false
	}
	// LONG 的保护单在价格下穿时触发，SHORT 在上穿时触发。
	triggerDirection := 2
	if pos.Direction == DirectionShort {
		triggerDirection = 1
	}
	if _, err := s.exchange.PlaceStopMarketOrder(ctx, pos.Symbol, closeSide, live.Size, newStop, triggerDirection); err != nil {
		logger.Warnf("supervisor: %s 第二层止损挂单失败: %v", pos.Symbol, err)
		return false
	}
	return true
}

func (s *PostEntrySupervisor) recordStopMoved(ctx context.Context, pos *OpenPosition, newStop float64, layer string) {
	pos.SetStopLoss(newStop)
	if s.trades != nil {
		if err := s.trades.UpdateStopLoss(ctx, pos.EntryID, newStop); err != nil {
			logger.Warnf("supervisor: 止损档案更新失败: %v", err)
		}
	}
	logger.Infof("supervisor: %s 保本止损已生效 (%s) stop=%.6f", pos.Symbol, layer, newStop)
	go func() {
		msg := fmt.Sprintf("🛡️ *保本推进* %s %s\n新止损: %.6f", pos.Symbol, pos.Direction, newStop)
		if err := s.notify.SendText(msg); err != nil {
			logger.Warnf("supervisor: telegram 推送失败: %v", err)
		}
	}()
}

// latestClosedCandle returns the open time (ms) of the most recent closed
// candle for interval.
func (s *PostEntrySupervisor) latestClosedCandle(interval time.Duration) int64 {
	now := s.nowFn().UTC()
	return now.Truncate(interval).Add(-interval).UnixMilli()
}

// revalidate runs one post-entry vision check. Returns true when the check
// closed the position.
func (s *PostEntrySupervisor) revalidate(ctx context.Context, pos *OpenPosition) bool {
	verdict, err := s.fetchVerdict(ctx, pos)
	s.logVerdict(ctx, pos, verdict, err)
	if err != nil {
		// 模型或渲染故障一律放行：宁可多持有，不因基础设施抖动砍仓。
		logger.Warnf("supervisor: %s 视觉复核失败，跳过本轮: %v", pos.Symbol, err)
		return false
	}
	return s.applyVerdict(ctx, pos, verdict)
}

func (s *PostEntrySupervisor) fetchVerdict(ctx context.Context, pos *OpenPosition) (ai.Verdict, error) {
	candles, err := s.source.FetchHistory(ctx, pos.Symbol, pos.Timeframe, s.validationCandles)
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("拉取K线失败: %w", err)
	}
	stop := pos.CurrentStopLoss()
	img, err := visual.RenderSetup(visual.SetupInput{
		Context:   ctx,
		Symbol:    pos.Symbol,
		Interval:  pos.Timeframe,
		Candles:   candles,
		Pattern:   pos.Pattern,
		Direction: string(pos.Direction),
		Neckline:  pos.Neckline,
		StopLoss:  stop,
		Target:    pos.Target,
	})
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("渲染图表失败: %w", err)
	}
	return s.judge.JudgeSetup(ctx, ai.JudgeRequest{
		Symbol:     pos.Symbol,
		Timeframe:  pos.Timeframe,
		Pattern:    pos.Pattern,
		Direction:  string(pos.Direction),
		Neckline:   pos.Neckline,
		StopLoss:   stop,
		Target:     pos.Target,
		EntryPrice: pos.EntryPrice,
		ChartPNG:   img.Bytes,
	})
}

// applyVerdict updates the dual-confirmation counter and closes the position
// after the required number of consecutive high-confidence INVALID verdicts.
func (s *PostEntrySupervisor) applyVerdict(ctx context.Context, pos *OpenPosition, verdict ai.Verdict) bool {
	threshold := s.risk.InvalidConfidenceThreshold
	required := s.risk.RequiredInvalidVerdicts
	if required <= 0 {
		required = 2
	}

	if !verdict.IsInvalid() || verdict.Confidence < threshold {
		// VALID，或置信度不足的 INVALID：连击清零。
		if streak := pos.InvalidStreak(); streak > 0 {
			logger.Infof("supervisor: %s 形态判定恢复 (%s %.2f)，连击清零", pos.Symbol, verdict.Status, verdict.Confidence)
		}
		pos.ResetInvalidStreak()
		return false
	}

	streak := pos.RecordInvalidVerdict()
	logger.Warnf("supervisor: %s 高置信度 INVALID (%.2f): %s (连击 %d/%d)",
		pos.Symbol, verdict.Confidence, verdict.Reasoning, streak, required)
	if streak < required {
		return false
	}
	if !pos.BeginClose() {
		return false
	}
	if err := s.executor.ClosePosition(ctx, pos, "形态失效（连续视觉否决）"); err != nil {
		logger.Errorf("supervisor: %s 形态失效平仓失败: %v", pos.Symbol, err)
		pos.AbortClose()
		return false
	}
	return true
}

func (s *PostEntrySupervisor) logVerdict(ctx context.Context, pos *OpenPosition, verdict ai.Verdict, err error) {
	if s.verdicts == nil {
		return
	}
	rec := verdictlog.Record{
		Symbol:     pos.Symbol,
		Pattern:    pos.Pattern,
		Timeframe:  pos.Timeframe,
		Stage:      verdictlog.StagePostEntry,
		Status:     verdict.Status,
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := s.verdicts.Append(ctx, rec); werr != nil {
		logger.Warnf("supervisor: 判定日志写入失败: %v", werr)
	}
}

func waitWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
