// Package exchange defines a common abstraction for the execution venue.
// This allows the engine to work with different exchange backends (Bybit,
// testnet, fakes in tests) without changing the trade lifecycle logic.
package exchange

import "time"

// Position represents an open futures position on the exchange.
type Position struct {
	Symbol     string    // e.g. "BTCUSDT"
	Side       string    // "Buy" or "Sell"
	Size       float64   // Current position size in base units (0 = no position)
	EntryPrice float64   // Average entry price
	MarkPrice  float64   // Current mark price
	Leverage   float64   // Position leverage
	StopLoss   float64   // Attached stop loss price (0 if not set)
	TakeProfit float64   // Attached take profit price (0 if not set)
	UpdatedAt  time.Time // Last update timestamp
	Raw        map[string]any
}

// Balance represents USDT-margined account balance.
type Balance struct {
	Coin      string  // Stake currency, e.g. "USDT"
	Equity    float64 // Total equity
	Available float64 // Available for new margin
	UpdatedAt time.Time
}

// Ticker represents the latest traded price for a symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// InstrumentRule carries the exchange lot-size filter for a symbol.
type InstrumentRule struct {
	Symbol      string
	QtyStep     float64 // Quantity increment
	MinQty      float64 // Minimum order quantity
	MaxLeverage float64 // Venue-allowed leverage ceiling
}

// OrderRequest contains parameters for a market order.
type OrderRequest struct {
	Symbol     string
	Side       string  // "Buy" or "Sell"
	Qty        float64 // Base quantity
	Leverage   float64 // Leverage to set before placing (0 = leave as is)
	StopLoss   float64 // Attach stop loss at placement time (0 = none)
	TakeProfit float64 // Attach take profit (0 = none)
	ReduceOnly bool
	OrderLinkID string // Client order id for idempotency/tracing
}

// OrderResult is the venue acknowledgement of an order.
type OrderResult struct {
	OrderID     string
	OrderLinkID string
}

// StopOrder is an open conditional (stop) order resting on the venue.
type StopOrder struct {
	OrderID      string
	Symbol       string
	Side         string
	TriggerPrice float64
	Qty          float64
	ReduceOnly   bool
}
