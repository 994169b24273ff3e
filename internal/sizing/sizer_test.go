package sizing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sniper/internal/gateway/exchange"
)

var testRule = exchange.InstrumentRule{
	Symbol:  "ETHUSDT",
	QtyStep: 0.01,
	MinQty:  0.01,
}

var testParams = Params{
	RiskFraction:   0.05,
	MaxLeverage:    5,
	MinNotionalUSD: 5,
}

func TestComputeBasicRiskSizing(t *testing.T) {
	// 风险预算 = 1000 * 0.05 = 50，止损距离 = 100 -> 0.5 个
	res, err := Compute(1000, 3000, 2900, testRule, testParams)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Qty, 1e-9)
	assert.InDelta(t, 1500, res.Notional, 1e-6)
	assert.False(t, res.LeverageCapped)
	assert.False(t, res.RaisedToMinQty)
}

func TestComputeDegenerateStop(t *testing.T) {
	_, err := Compute(1000, 3000, 3000, testRule, testParams)
	assert.ErrorIs(t, err, ErrDegenerateStopDistance)

	// 近乎重合同样拒绝
	_, err = Compute(1000, 3000, 3000.000001, testRule, testParams)
	assert.ErrorIs(t, err, ErrDegenerateStopDistance)
}

func TestComputeLeverageHardCeiling(t *testing.T) {
	// 止损距离极小（但未退化）会放大数量，名义价值必须被 5x 压住。
	res, err := Compute(1000, 3000, 2997, testRule, testParams)
	require.NoError(t, err)
	assert.True(t, res.LeverageCapped)
	assert.LessOrEqual(t, res.Notional, 5000.0+1e-6)
	assert.InDelta(t, 5000.0/3000.0, res.Qty, 0.01)
}

func TestComputeRoundsDownToStep(t *testing.T) {
	// 50 / 97 = 0.51546... -> 向下取整到 0.51
	res, err := Compute(1000, 2997, 2900, testRule, testParams)
	require.NoError(t, err)
	assert.InDelta(t, 0.51, res.Qty, 1e-9)
}

func TestComputeRoundsUpToMinQty(t *testing.T) {
	rule := exchange.InstrumentRule{Symbol: "BTCUSDT", QtyStep: 0.001, MinQty: 0.003}
	// 风险预算 50，止损距离 30000 -> 0.00166，低于最小 0.003，向上取到 0.003
	res, err := Compute(1000, 60000, 30000, rule, Params{RiskFraction: 0.05, MaxLeverage: 5, MinNotionalUSD: 5})
	require.NoError(t, err)
	assert.True(t, res.RaisedToMinQty)
	assert.InDelta(t, 0.003, res.Qty, 1e-9)
}

func TestComputeNotionalTooSmall(t *testing.T) {
	rule := exchange.InstrumentRule{Symbol: "XYZUSDT", QtyStep: 1, MinQty: 1}
	// 权益太小：风险预算 0.5，止损距离 0.5 -> 1 个 * 2 USD = 2 USD < 5 USD
	_, err := Compute(10, 2, 1.5, rule, testParams)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotionalTooSmall))
}

func TestComputeMonotoneInStopDistance(t *testing.T) {
	// 止损距离越大，仓位只会更小或相等。
	prevQty := 1e18
	for _, stop := range []float64{2990, 2950, 2900, 2800, 2500} {
		res, err := Compute(1000, 3000, stop, testRule, testParams)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Qty, prevQty, "stop=%v", stop)
		prevQty = res.Qty
	}
}

func TestComputeMonotoneInEquity(t *testing.T) {
	// 固定入场与止损，权益越大仓位只会更大或相等。
	prevQty := 0.0
	for _, equity := range []float64{200, 500, 1000, 2500, 10000, 50000} {
		res, err := Compute(equity, 3000, 2900, testRule, testParams)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Qty, prevQty, "equity=%v", equity)
		prevQty = res.Qty
	}
}

func TestComputeRejectsBadInputs(t *testing.T) {
	_, err := Compute(0, 3000, 2900, testRule, testParams)
	assert.Error(t, err)
	_, err = Compute(1000, 0, 2900, testRule, testParams)
	assert.Error(t, err)
	_, err = Compute(1000, 3000, 2900, exchange.InstrumentRule{Symbol: "X"}, testParams)
	assert.Error(t, err)
}
