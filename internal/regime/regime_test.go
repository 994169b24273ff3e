package regime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sniper/internal/config"
	"sniper/internal/market"
)

func TestDefaultMatrixResolve(t *testing.T) {
	m := DefaultMatrix()

	sc := m.Resolve(TrendUp, TrendUp)
	assert.Equal(t, 1, sc.Number)
	assert.False(t, sc.AllowLong)
	assert.True(t, sc.AllowShort)

	sc = m.Resolve(TrendDown, TrendUp)
	assert.Equal(t, 2, sc.Number)
	assert.False(t, sc.AllowLong)

	sc = m.Resolve(TrendUp, TrendDown)
	assert.Equal(t, 3, sc.Number)
	assert.False(t, sc.AllowShort)
	assert.True(t, sc.AllowLong)

	sc = m.Resolve(TrendDown, TrendDown)
	assert.Equal(t, 4, sc.Number)
	assert.True(t, sc.AllowLong)
	assert.True(t, sc.AllowShort)

	// 任一趋势为 NEUTRAL 都落到 5 号情景，双向放行
	sc = m.Resolve(TrendNeutral, TrendUp)
	assert.Equal(t, 5, sc.Number)
	assert.True(t, sc.AllowLong)
	assert.True(t, sc.AllowShort)
}

func TestLoadMatrixFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	content := `scenarios:
  - number: 1
    name: BTC_SEASON
    btc_trend: UP
    dominance_trend: UP
    allow_long: false
    allow_short: true
  - number: 5
    name: CUSTOM_NEUTRAL
    allow_long: true
    allow_short: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadMatrix(path)
	require.NoError(t, err)

	sc := m.Resolve(TrendUp, TrendUp)
	assert.Equal(t, "BTC_SEASON", sc.Name)

	sc = m.Resolve(TrendDown, TrendDown)
	assert.Equal(t, "CUSTOM_NEUTRAL", sc.Name)
}

func TestLoadMatrixRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  - number: 1\n    bogus: x\n"), 0o644))

	_, err := LoadMatrix(path)
	assert.Error(t, err)
}

func TestAnalysisPermitsDirection(t *testing.T) {
	a := Analysis{Scenario: Scenario{Number: 2, Name: "ALT_PANIC", AllowLong: false, AllowShort: true}}

	ok, reason := a.PermitsDirection("LONG")
	assert.False(t, ok)
	assert.Contains(t, reason, "禁止 LONG")

	ok, _ = a.PermitsDirection("SHORT")
	assert.True(t, ok)

	ok, _ = a.PermitsDirection("sideways")
	assert.False(t, ok)
}

func TestClassifyTrend(t *testing.T) {
	up := make([]float64, 60)
	down := make([]float64, 60)
	flat := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 200 - float64(i)
		flat[i] = 100
	}
	assert.Equal(t, TrendUp, ClassifyTrend(up))
	assert.Equal(t, TrendDown, ClassifyTrend(down))
	assert.Equal(t, TrendNeutral, ClassifyTrend(flat))
	assert.Equal(t, TrendNeutral, ClassifyTrend(flat[:10]))
}

type stubSource struct {
	candles map[string][]market.Candle
	err     error
	calls   int
}

func (s *stubSource) FetchHistory(_ context.Context, symbol, _ string, _ int) ([]market.Candle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.candles[symbol], nil
}

func trendCandles(up bool) []market.Candle {
	out := make([]market.Candle, 80)
	for i := range out {
		price := 100 + float64(i)
		if !up {
			price = 300 - float64(i)
		}
		out[i] = market.Candle{Close: price}
	}
	return out
}

func TestClassifierFailOpen(t *testing.T) {
	src := &stubSource{err: fmt.Errorf("binance down")}
	c := NewClassifier(src, DefaultMatrix(), config.RegimeConfig{
		CacheSeconds: 300, DominanceSymbol: "BTCDOMUSDT", TrendInterval: "1h", TrendLookback: 48, DominanceLookback: 48,
	})

	a := c.Analyze(context.Background())
	assert.True(t, a.Degraded)
	assert.Equal(t, 5, a.Scenario.Number)

	ok, _ := a.PermitsDirection("LONG")
	assert.True(t, ok)
	ok, _ = a.PermitsDirection("SHORT")
	assert.True(t, ok)
}

func TestClassifierCaches(t *testing.T) {
	src := &stubSource{candles: map[string][]market.Candle{
		"BTCUSDT":    trendCandles(true),
		"BTCDOMUSDT": trendCandles(true),
	}}
	c := NewClassifier(src, DefaultMatrix(), config.RegimeConfig{
		CacheSeconds: 300, DominanceSymbol: "BTCDOMUSDT", TrendInterval: "1h", TrendLookback: 48, DominanceLookback: 48,
	})
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	a := c.Analyze(context.Background())
	assert.Equal(t, 1, a.Scenario.Number)
	firstCalls := src.calls

	// Second read within TTL hits the cache.
	a = c.Analyze(context.Background())
	assert.Equal(t, 1, a.Scenario.Number)
	assert.Equal(t, firstCalls, src.calls)

	// After TTL expiry it refetches.
	now = now.Add(6 * time.Minute)
	_ = c.Analyze(context.Background())
	assert.Greater(t, src.calls, firstCalls)
}
