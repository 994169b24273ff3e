package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sniper/internal/config"
	"sniper/internal/gateway/exchange"
	"sniper/internal/gateway/notifier"
	"sniper/internal/logger"
	"sniper/internal/sizing"
	"sniper/internal/store/gormstore"
	"sniper/internal/watchlist"
)

// OrderExecutor 把一条放行的登记变成真实仓位：
// 取权益、算仓位、市价开仓并随单挂上止损/止盈。
type OrderExecutor struct {
	exchange exchange.Exchange
	risk     config.RiskConfig
	trades   *gormstore.Store
	notify   notifier.TextNotifier
}

func NewOrderExecutor(ex exchange.Exchange, risk config.RiskConfig, trades *gormstore.Store, notify notifier.TextNotifier) *OrderExecutor {
	if notify == nil {
		notify = notifier.Noop{}
	}
	return &OrderExecutor{exchange: ex, risk: risk, trades: trades, notify: notify}
}

// Execute opens the position for an admitted entry. The returned position is
// not yet supervised; the caller registers it.
func (e *OrderExecutor) Execute(ctx context.Context, entry watchlist.Entry, decision GateDecision) (*OpenPosition, error) {
	side, err := decision.Direction.OrderSide()
	if err != nil {
		return nil, err
	}

	balance, err := e.exchange.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取权益失败: %w", err)
	}
	ticker, err := e.exchange.GetTicker(ctx, entry.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取行情失败: %w", err)
	}
	rule, err := e.exchange.GetInstrumentRule(ctx, entry.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取合约规则失败: %w", err)
	}

	leverage := e.risk.MaxLeverage
	if rule.MaxLeverage > 0 && rule.MaxLeverage < leverage {
		leverage = rule.MaxLeverage
	}
	size, err := sizing.Compute(balance.Equity, ticker.Last, entry.StopLoss, rule, sizing.Params{
		RiskFraction:   e.risk.RiskFraction,
		MaxLeverage:    leverage,
		MinNotionalUSD: e.risk.MinNotionalUSD,
	})
	if err != nil {
		return nil, err
	}

	orderLinkID := "snp-" + uuid.NewString()
	result, err := e.exchange.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:      entry.Symbol,
		Side:        side,
		Qty:         size.Qty,
		Leverage:    leverage,
		StopLoss:    entry.StopLoss,
		TakeProfit:  entry.Target,
		OrderLinkID: orderLinkID,
	})
	if err != nil {
		return nil, fmt.Errorf("市价开仓失败: %w", err)
	}

	pos := &OpenPosition{
		EntryID:       entry.ID,
		Symbol:        entry.Symbol,
		Pattern:       entry.Pattern,
		Timeframe:     entry.Timeframe,
		Direction:     decision.Direction,
		EntryPrice:    ticker.Last,
		Neckline:      entry.Neckline,
		Qty:           size.Qty,
		Leverage:      leverage,
		StopLoss:      entry.StopLoss,
		Target:        entry.Target,
		EntryScenario: decision.Analysis.Scenario.Number,
		OpenedAt:      time.Now().UTC(),
	}
	pos.init()

	if e.trades != nil {
		if _, err := e.trades.OpenTrade(ctx, gormstore.TradeRecord{
			EntryID:    entry.ID,
			Symbol:     entry.Symbol,
			Pattern:    entry.Pattern,
			Timeframe:  entry.Timeframe,
			Direction:  string(decision.Direction),
			Side:       side,
			EntryPrice: pos.EntryPrice,
			Qty:        pos.Qty,
			Leverage:   leverage,
			StopLoss:   pos.StopLoss,
			Target:     pos.Target,
			Scenario:   pos.EntryScenario,
			OpenedAt:   pos.OpenedAt,
		}); err != nil {
			logger.Warnf("executor: 交易档案写入失败: %v", err)
		}
	}

	logger.Infof("executor: %s %s 开仓成功 qty=%v entry=%.6f sl=%.6f tp=%.6f orderId=%s",
		entry.Symbol, side, size.Qty, pos.EntryPrice, pos.StopLoss, pos.Target, result.OrderID)
	go func() {
		msg := fmt.Sprintf("🚀 *开仓* %s %s\n入场: %.6f\n数量: %v\n止损: %.6f\n目标: %.6f\n形态: %s (%s)",
			entry.Symbol, decision.Direction, pos.EntryPrice, pos.Qty, pos.StopLoss, pos.Target, entry.Pattern, entry.Timeframe)
		if err := e.notify.SendText(msg); err != nil {
			logger.Warnf("executor: telegram 推送失败: %v", err)
		}
	}()
	return pos, nil
}

// ClosePosition sends an idempotent reduce-only market close. Callers must
// hold the BeginClose claim on pos.
func (e *OrderExecutor) ClosePosition(ctx context.Context, pos *OpenPosition, reason string) error {
	side, err := pos.Direction.CloseSide()
	if err != nil {
		return err
	}
	live, err := e.exchange.GetPosition(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("平仓前查询持仓失败: %w", err)
	}
	if live.Size <= 0 {
		logger.Infof("executor: %s 已无持仓，平仓视为完成 (%s)", pos.Symbol, reason)
		e.finalizeClose(ctx, pos, live.MarkPrice, reason)
		return nil
	}
	_, err = e.exchange.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        live.Size,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("reduce-only 平仓失败: %w", err)
	}
	e.finalizeClose(ctx, pos, live.MarkPrice, reason)
	return nil
}

func (e *OrderExecutor) finalizeClose(ctx context.Context, pos *OpenPosition, exitPrice float64, reason string) {
	pos.MarkClosed()
	if e.trades != nil {
		if err := e.trades.CloseTrade(ctx, pos.EntryID, exitPrice, reason); err != nil {
			logger.Warnf("executor: 交易档案收尾失败: %v", err)
		}
	}
	logger.Infof("executor: %s 仓位关闭 (%s) exit=%.6f", pos.Symbol, reason, exitPrice)
	go func() {
		msg := fmt.Sprintf("🧯 *平仓* %s %s\n原因: %s\n出场: %.6f", pos.Symbol, pos.Direction, reason, exitPrice)
		if err := e.notify.SendText(msg); err != nil {
			logger.Warnf("executor: telegram 推送失败: %v", err)
		}
	}()
}
