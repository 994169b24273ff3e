package regime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"

	"sniper/internal/config"
	"sniper/internal/logger"
	"sniper/internal/market"
)

// Analysis 是一次完整的市场情景读数。
type Analysis struct {
	Scenario  Scenario  `json:"scenario"`
	BTCTrend  string    `json:"btc_trend"`
	DomTrend  string    `json:"dominance_trend"`
	Degraded  bool      `json:"degraded"` // true when data fetch failed and the neutral fallback was used
	Timestamp time.Time `json:"timestamp"`
}

// PermitsDirection reports whether the scenario allows opening direction.
func (a Analysis) PermitsDirection(direction string) (bool, string) {
	switch strings.ToUpper(strings.TrimSpace(direction)) {
	case "LONG":
		if !a.Scenario.AllowLong {
			return false, fmt.Sprintf("情景%d(%s): 禁止 LONG", a.Scenario.Number, a.Scenario.Name)
		}
	case "SHORT":
		if !a.Scenario.AllowShort {
			return false, fmt.Sprintf("情景%d(%s): 禁止 SHORT", a.Scenario.Number, a.Scenario.Name)
		}
	default:
		return false, fmt.Sprintf("非法方向: %q", direction)
	}
	return true, fmt.Sprintf("情景%d(%s): %s 放行", a.Scenario.Number, a.Scenario.Name, direction)
}

// Classifier reads BTC and dominance candles and caches the resulting
// scenario for a few minutes.
type Classifier struct {
	source market.Source
	matrix *Matrix
	cfg    config.RegimeConfig

	mu       sync.Mutex
	cached   Analysis
	cachedAt time.Time
	nowFn    func() time.Time
}

func NewClassifier(source market.Source, matrix *Matrix, cfg config.RegimeConfig) *Classifier {
	return &Classifier{
		source: source,
		matrix: matrix,
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// Analyze returns the current scenario, serving from cache when fresh.
// 数据拉取失败时降级为中性情景并放行（fail-open），只打日志不阻断。
func (c *Classifier) Analyze(ctx context.Context) Analysis {
	c.mu.Lock()
	cacheTTL := time.Duration(c.cfg.CacheSeconds) * time.Second
	if !c.cachedAt.IsZero() && c.nowFn().Sub(c.cachedAt) < cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	analysis := c.analyzeFresh(ctx)

	c.mu.Lock()
	// 降级读数不进缓存，下一次调用重试真实数据。
	if !analysis.Degraded {
		c.cached = analysis
		c.cachedAt = c.nowFn()
	}
	c.mu.Unlock()
	return analysis
}

func (c *Classifier) analyzeFresh(ctx context.Context) Analysis {
	now := c.nowFn()
	btcTrend, err := c.fetchTrend(ctx, "BTCUSDT", c.cfg.TrendLookback)
	if err != nil {
		logger.Warnf("regime: 获取 BTC 趋势失败，降级为中性情景: %v", err)
		return Analysis{Scenario: c.matrix.Fallback(), BTCTrend: TrendNeutral, DomTrend: TrendNeutral, Degraded: true, Timestamp: now}
	}
	domTrend, err := c.fetchTrend(ctx, c.cfg.DominanceSymbol, c.cfg.DominanceLookback)
	if err != nil {
		logger.Warnf("regime: 获取市占率趋势失败，降级为中性情景: %v", err)
		return Analysis{Scenario: c.matrix.Fallback(), BTCTrend: btcTrend, DomTrend: TrendNeutral, Degraded: true, Timestamp: now}
	}
	scenario := c.matrix.Resolve(btcTrend, domTrend)
	logger.Infof("regime: BTC=%s 市占率=%s -> 情景%d(%s) long=%v short=%v",
		btcTrend, domTrend, scenario.Number, scenario.Name, scenario.AllowLong, scenario.AllowShort)
	return Analysis{Scenario: scenario, BTCTrend: btcTrend, DomTrend: domTrend, Timestamp: now}
}

func (c *Classifier) fetchTrend(ctx context.Context, symbol string, lookback int) (string, error) {
	if lookback < 30 {
		lookback = 30
	}
	candles, err := c.source.FetchHistory(ctx, symbol, c.cfg.TrendInterval, lookback+30)
	if err != nil {
		return "", err
	}
	if len(candles) < lookback {
		return "", fmt.Errorf("%s 历史数据不足: %d", symbol, len(candles))
	}
	return ClassifyTrend(market.Closes(candles)), nil
}

// ClassifyTrend labels a close series UP/DOWN/NEUTRAL by comparing the last
// close against a 21-period EMA and requiring the EMA itself to lean the
// same way.
func ClassifyTrend(closes []float64) string {
	const period = 21
	if len(closes) < period+3 {
		return TrendNeutral
	}
	ema := talib.Ema(closes, period)
	last := closes[len(closes)-1]
	emaNow := ema[len(ema)-1]
	emaPrev := ema[len(ema)-4]
	if emaNow <= 0 {
		return TrendNeutral
	}
	drift := (last - emaNow) / emaNow
	const band = 0.001
	switch {
	case drift > band && emaNow > emaPrev:
		return TrendUp
	case drift < -band && emaNow < emaPrev:
		return TrendDown
	default:
		return TrendNeutral
	}
}
