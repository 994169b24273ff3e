package exchange

import "context"

// Exchange 是执行后端的统一抽象。所有下单、改单、查询都走这里，
// 引擎核心不依赖任何交易所 SDK 类型。
type Exchange interface {
	Name() string

	GetBalance(ctx context.Context) (Balance, error)

	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// GetPosition returns the position for symbol. A flat symbol returns
	// a Position with Size == 0, not an error.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	GetInstrumentRule(ctx context.Context, symbol string) (InstrumentRule, error)

	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// ModifyStopLoss amends the stop loss attached to the open position.
	ModifyStopLoss(ctx context.Context, symbol string, stopPrice float64) error

	// PlaceStopMarketOrder places a reduce-only conditional market order.
	// triggerDirection follows Bybit semantics: 1 = trigger on price rising
	// through triggerPrice, 2 = trigger on price falling through it.
	PlaceStopMarketOrder(ctx context.Context, symbol, side string, qty, triggerPrice float64, triggerDirection int) (*OrderResult, error)

	ListStopOrders(ctx context.Context, symbol string) ([]StopOrder, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error
}
