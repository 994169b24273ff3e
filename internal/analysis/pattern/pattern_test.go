package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sniper/internal/market"
)

func candlesFromCloses(closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     c,
			High:     c * 1.001,
			Low:      c * 0.999,
			Close:    c,
		}
	}
	return out
}

func flatSeries(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func TestVerifyShortClosesAboveStop(t *testing.T) {
	closes := flatSeries(40, 100)
	closes[len(closes)-1] = 112

	res := Verify(Check{
		Name:      "double_top",
		Direction: "SHORT",
		Neckline:  98,
		StopLoss:  110,
	}, candlesFromCloses(closes))

	assert.False(t, res.Holds)
	assert.Contains(t, res.Reason, "空头形态破坏")
}

func TestVerifyLongClosesBelowStop(t *testing.T) {
	closes := flatSeries(40, 100)
	closes[len(closes)-1] = 88

	res := Verify(Check{
		Name:      "double_bottom",
		Direction: "LONG",
		Neckline:  102,
		StopLoss:  92,
	}, candlesFromCloses(closes))

	assert.False(t, res.Holds)
	assert.Contains(t, res.Reason, "多头形态破坏")
}

func TestVerifyIntactStructureHolds(t *testing.T) {
	closes := flatSeries(40, 100)

	res := Verify(Check{
		Name:      "double_top",
		Direction: "SHORT",
		Neckline:  99,
		StopLoss:  110,
	}, candlesFromCloses(closes))

	assert.True(t, res.Holds)
}

func TestVerifyNecklineDrift(t *testing.T) {
	closes := flatSeries(40, 100)

	res := Verify(Check{
		Name:      "double_top",
		Direction: "SHORT",
		Neckline:  80, // price 25% above neckline
		StopLoss:  120,
	}, candlesFromCloses(closes))

	assert.False(t, res.Holds)
	assert.Contains(t, res.Reason, "偏离颈线")
}

func TestVerifyRefreshedLevelsTopFamily(t *testing.T) {
	closes := flatSeries(40, 100)

	res := Verify(Check{
		Name:      "double_top",
		Direction: "SHORT",
		Neckline:  99,
		StopLoss:  110,
	}, candlesFromCloses(closes))

	assert.True(t, res.Holds)
	if assert.NotNil(t, res.Levels) {
		// 高点带 0.1% 影线：压制区 100.1，颈线取后半窗口最低点。
		assert.InDelta(t, 99.9, res.Levels.Neckline, 1e-9)
		assert.InDelta(t, 100.1*1.005, res.Levels.StopLoss, 1e-9)
		assert.Greater(t, res.Levels.StopLoss, res.Levels.Neckline)
		assert.Less(t, res.Levels.Target, res.Levels.Neckline)
	}
}

func TestVerifyRefreshedLevelsBottomFamily(t *testing.T) {
	closes := flatSeries(40, 100)

	res := Verify(Check{
		Name:      "double_bottom",
		Direction: "LONG",
		Neckline:  101,
		StopLoss:  95,
	}, candlesFromCloses(closes))

	assert.True(t, res.Holds)
	if assert.NotNil(t, res.Levels) {
		assert.InDelta(t, 100.1, res.Levels.Neckline, 1e-9)
		assert.InDelta(t, 99.9*0.995, res.Levels.StopLoss, 1e-9)
		assert.Less(t, res.Levels.StopLoss, res.Levels.Neckline)
		assert.Greater(t, res.Levels.Target, res.Levels.Neckline)
	}
}

// 三角形的档位取决于画线方式，不重算。
func TestVerifyTriangleKeepsRegisteredLevels(t *testing.T) {
	closes := flatSeries(40, 100)

	res := Verify(Check{
		Name:      "symmetrical_triangle",
		Direction: "SHORT",
		Neckline:  99,
		StopLoss:  110,
	}, candlesFromCloses(closes))

	assert.True(t, res.Holds)
	assert.Nil(t, res.Levels)
}

func TestVerifyShortDataSkips(t *testing.T) {
	res := Verify(Check{Name: "double_top", Direction: "SHORT", Neckline: 99, StopLoss: 110},
		candlesFromCloses(flatSeries(5, 100)))

	assert.True(t, res.Holds)
}
