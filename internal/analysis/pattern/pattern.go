// Package pattern 对观察列表里登记的反转/整理形态做纯技术复核：
// 用已收盘的 K 线判断形态结构是否仍然成立。
package pattern

import (
	"fmt"
	"math"
	"strings"

	"sniper/internal/market"
)

// Check describes the pattern a watchlist entry claims to have found.
type Check struct {
	Name      string  // e.g. "double_top", "head_and_shoulders", "double_bottom"
	Direction string  // "LONG" or "SHORT"
	Neckline  float64 // Trigger level the setup hangs on
	StopLoss  float64 // Structural invalidation level
}

// Levels 是按最新结构重算出来的观察位。
type Levels struct {
	Neckline float64
	StopLoss float64
	Target   float64
}

// Assessment is the outcome of a technical re-check. Levels is non-nil when
// the structure still holds and the pattern family supports recomputing its
// levels from recent pivots.
type Assessment struct {
	Holds  bool
	Reason string
	Levels *Levels
}

// Verify re-checks the pattern structure against closed candles.
// 形态破坏的判定只看收盘价，不看影线。
func Verify(chk Check, candles []market.Candle) Assessment {
	if len(candles) < 20 {
		return Assessment{Holds: true, Reason: "K线数据不足，跳过技术复核"}
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	lastClose := closes[len(closes)-1]

	// 结构性否定：收盘越过止损位，形态直接作废。
	if strings.EqualFold(chk.Direction, "SHORT") && chk.StopLoss > 0 && lastClose > chk.StopLoss {
		return Assessment{Holds: false, Reason: fmt.Sprintf("收盘价%.4f越过止损位%.4f，空头形态破坏", lastClose, chk.StopLoss)}
	}
	if strings.EqualFold(chk.Direction, "LONG") && chk.StopLoss > 0 && lastClose < chk.StopLoss {
		return Assessment{Holds: false, Reason: fmt.Sprintf("收盘价%.4f跌破止损位%.4f，多头形态破坏", lastClose, chk.StopLoss)}
	}

	switch normalizeName(chk.Name) {
	case "double_top", "head_and_shoulders":
		if ok, level := topStructureIntact(highs); !ok {
			return Assessment{Holds: false, Reason: fmt.Sprintf("顶部结构失效，近期高点突破压制区%.4f", level)}
		}
	case "double_bottom", "inverse_head_and_shoulders":
		if ok, level := bottomStructureIntact(lows); !ok {
			return Assessment{Holds: false, Reason: fmt.Sprintf("底部结构失效，近期低点跌穿支撑区%.4f", level)}
		}
	case "descending_triangle", "ascending_triangle", "symmetrical_triangle":
		if !rangeConverging(highs, lows) {
			return Assessment{Holds: false, Reason: "三角形收敛被破坏，区间重新扩张"}
		}
	}

	// 颈线偏离检查：价格远离颈线说明行情已经走完或反向展开。
	if chk.Neckline > 0 {
		drift := math.Abs(lastClose-chk.Neckline) / chk.Neckline
		if drift > 0.10 {
			return Assessment{Holds: false, Reason: fmt.Sprintf("收盘价偏离颈线%.1f%%，形态已失去意义", drift*100)}
		}
	}

	return Assessment{Holds: true, Reason: "形态结构完好", Levels: refreshedLevels(chk, highs, lows)}
}

// refreshedLevels 用最近的枢轴重算颈线/止损/目标。量不出合法档位时返回 nil，
// 调用方保留登记时的旧档位。三角形的档位取决于画线方式，不做重算。
func refreshedLevels(chk Check, highs, lows []float64) *Levels {
	const buffer = 0.005
	switch normalizeName(chk.Name) {
	case "double_top", "head_and_shoulders":
		_, ceiling := topStructureIntact(highs)
		neckline := minOf(lows[len(lows)/2:])
		stop := ceiling * (1 + buffer)
		target := neckline - (stop - neckline)
		if neckline <= 0 || stop <= neckline || target <= 0 || target >= neckline {
			return nil
		}
		return &Levels{Neckline: neckline, StopLoss: stop, Target: target}
	case "double_bottom", "inverse_head_and_shoulders":
		_, floor := bottomStructureIntact(lows)
		neckline := maxOf(highs[len(highs)/2:])
		stop := floor * (1 - buffer)
		target := neckline + (neckline - stop)
		if stop <= 0 || stop >= neckline || target <= neckline {
			return nil
		}
		return &Levels{Neckline: neckline, StopLoss: stop, Target: target}
	default:
		return nil
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, " ", "_")))
}

// topStructureIntact reports whether recent highs still respect the
// resistance zone built by the two highest peaks of the lookback window.
func topStructureIntact(highs []float64) (bool, float64) {
	window := highs[len(highs)/2:]
	max1, idx1 := maxWithIndex(window)
	remove := append([]float64{}, window...)
	for i := idx1 - 2; i <= idx1+2 && i >= 0 && i < len(remove); i++ {
		remove[i] = -math.MaxFloat64
	}
	max2, _ := maxWithIndex(remove)
	ceiling := math.Max(max1, max2)
	recent := window[len(window)-3:]
	for _, h := range recent {
		if h > ceiling*1.004 {
			return false, ceiling
		}
	}
	return true, ceiling
}

func bottomStructureIntact(lows []float64) (bool, float64) {
	window := lows[len(lows)/2:]
	min1, idx1 := minWithIndex(window)
	remove := append([]float64{}, window...)
	for i := idx1 - 2; i <= idx1+2 && i >= 0 && i < len(remove); i++ {
		remove[i] = math.MaxFloat64
	}
	min2, _ := minWithIndex(remove)
	floor := math.Min(min1, min2)
	recent := window[len(window)-3:]
	for _, l := range recent {
		if l < floor*0.996 {
			return false, floor
		}
	}
	return true, floor
}

// rangeConverging reports whether the high/low envelope is still narrowing.
func rangeConverging(highs, lows []float64) bool {
	if len(highs) < 30 {
		return true
	}
	firstHigh := maxOf(highs[:len(highs)/2])
	lastHigh := maxOf(highs[len(highs)/2:])
	firstLow := minOf(lows[:len(lows)/2])
	lastLow := minOf(lows[len(lows)/2:])
	firstWidth := firstHigh - firstLow
	lastWidth := lastHigh - lastLow
	if firstWidth <= 0 {
		return true
	}
	return lastWidth <= firstWidth*1.05
}

func minOf(values []float64) float64 {
	m := math.MaxFloat64
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := -math.MaxFloat64
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func minWithIndex(values []float64) (float64, int) {
	m := math.MaxFloat64
	idx := -1
	for i, v := range values {
		if v < m {
			m = v
			idx = i
		}
	}
	return m, idx
}

func maxWithIndex(values []float64) (float64, int) {
	m := -math.MaxFloat64
	idx := -1
	for i, v := range values {
		if v > m {
			m = v
			idx = i
		}
	}
	return m, idx
}
