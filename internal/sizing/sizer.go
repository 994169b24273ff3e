// Package sizing 计算基于风险预算的仓位大小：
// 数量 = 权益 × 风险比例 / |入场价 - 止损价|，再套名义价值与交易所数量规则。
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"sniper/internal/gateway/exchange"
	"sniper/internal/logger"
)

var (
	// ErrDegenerateStopDistance 止损价与入场价重合（或近乎重合），
	// 风险除数为零，这种登记不可交易。
	ErrDegenerateStopDistance = errors.New("sizing: 止损距离为零")
	// ErrNotionalTooSmall 算出的名义价值低于交易所最小限制。
	ErrNotionalTooSmall = errors.New("sizing: 名义价值低于最小限制")
)

// Params are the risk knobs, read-only at runtime.
type Params struct {
	RiskFraction   float64 // equity share risked per trade
	MaxLeverage    float64 // notional cap = equity * MaxLeverage
	MinNotionalUSD float64
}

// Result is a fully quantized order size.
type Result struct {
	Qty            float64 // base quantity, aligned to QtyStep
	Notional       float64 // Qty * entry price
	Leverage       float64 // leverage to request on the venue
	LeverageCapped bool    // true when the notional cap shrank the position
	RaisedToMinQty bool    // true when qty was rounded up to the venue minimum
}

// relative stop distances below this are treated as degenerate
const minStopDistanceRatio = 1e-6

// Compute sizes a position. Rounding is decimal-exact: down to the venue
// step, then up to the venue minimum if needed.
func Compute(equity, entry, stop float64, rule exchange.InstrumentRule, p Params) (Result, error) {
	if equity <= 0 {
		return Result{}, fmt.Errorf("sizing: 权益必须为正数, got %v", equity)
	}
	if entry <= 0 || stop <= 0 {
		return Result{}, fmt.Errorf("sizing: 价格必须为正数, entry=%v stop=%v", entry, stop)
	}
	if rule.QtyStep <= 0 {
		return Result{}, fmt.Errorf("sizing: %s 的数量步长无效: %v", rule.Symbol, rule.QtyStep)
	}

	dEquity := decimal.NewFromFloat(equity)
	dEntry := decimal.NewFromFloat(entry)
	dStop := decimal.NewFromFloat(stop)

	distance := dEntry.Sub(dStop).Abs()
	if distance.LessThanOrEqual(dEntry.Mul(decimal.NewFromFloat(minStopDistanceRatio))) {
		return Result{}, ErrDegenerateStopDistance
	}

	riskBudget := dEquity.Mul(decimal.NewFromFloat(p.RiskFraction))
	qty := riskBudget.Div(distance)

	res := Result{Leverage: p.MaxLeverage}

	// 杠杆硬顶：风险算完之后再压名义价值，永不放大。
	maxNotional := dEquity.Mul(decimal.NewFromFloat(p.MaxLeverage))
	if qty.Mul(dEntry).GreaterThan(maxNotional) {
		qty = maxNotional.Div(dEntry)
		res.LeverageCapped = true
		logger.Warnf("sizing: %s 仓位被最大杠杆 %.1fx 压缩", rule.Symbol, p.MaxLeverage)
	}

	step := decimal.NewFromFloat(rule.QtyStep)
	qty = qty.Div(step).Floor().Mul(step)

	minQty := decimal.NewFromFloat(rule.MinQty)
	if rule.MinQty > 0 && qty.LessThan(minQty) {
		qty = minQty.Div(step).Ceil().Mul(step)
		res.RaisedToMinQty = true
		logger.Warnf("sizing: %s 数量上调至交易所最小值 %s", rule.Symbol, qty.String())
	}

	notional := qty.Mul(dEntry)
	if notional.LessThan(decimal.NewFromFloat(p.MinNotionalUSD)) {
		return Result{}, fmt.Errorf("%w: %.4f USD < %.2f USD", ErrNotionalTooSmall, notional.InexactFloat64(), p.MinNotionalUSD)
	}

	res.Qty = qty.InexactFloat64()
	res.Notional = notional.InexactFloat64()
	logger.Infof("sizing: %s 权益=%.2f 风险=%.2f 止损距离=%s 数量=%s 名义=%.2f",
		rule.Symbol, equity, riskBudget.InexactFloat64(), distance.String(), qty.String(), res.Notional)
	return res, nil
}
