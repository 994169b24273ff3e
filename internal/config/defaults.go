package config

import "strings"

// applyDefaults 为未显式设置的字段填入默认值。
func (c *Config) applyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.App.LogLevel) == "" {
		c.App.LogLevel = "info"
	}
	if strings.TrimSpace(c.App.HTTPAddr) == "" {
		c.App.HTTPAddr = ":8087"
	}

	if c.Risk.RiskFraction <= 0 {
		c.Risk.RiskFraction = 0.05
	}
	if c.Risk.MaxLeverage <= 0 {
		c.Risk.MaxLeverage = 5
	}
	if c.Risk.MinNotionalUSD <= 0 {
		c.Risk.MinNotionalUSD = 5
	}
	if c.Risk.BreakEvenFraction <= 0 {
		c.Risk.BreakEvenFraction = 0.5
	}
	if c.Risk.FeeBufferPct <= 0 {
		c.Risk.FeeBufferPct = 0.002
	}
	if c.Risk.InvalidConfidenceThreshold <= 0 {
		c.Risk.InvalidConfidenceThreshold = 0.85
	}
	if c.Risk.RequiredInvalidVerdicts <= 0 {
		c.Risk.RequiredInvalidVerdicts = 2
	}

	if c.Scanner.PollIntervalSeconds <= 0 {
		c.Scanner.PollIntervalSeconds = 10
	}
	if c.Scanner.BlacklistHours <= 0 {
		c.Scanner.BlacklistHours = 6
	}
	if c.Scanner.ValidationCandles <= 0 {
		c.Scanner.ValidationCandles = 200
	}

	if c.Monitor.PollIntervalSeconds <= 0 {
		c.Monitor.PollIntervalSeconds = 30
	}
	if c.Monitor.GuardIntervalMinutes <= 0 {
		c.Monitor.GuardIntervalMinutes = 15
	}
	if c.Monitor.StopVerifyWaitMs <= 0 {
		c.Monitor.StopVerifyWaitMs = 2000
	}
	if c.Monitor.StopTolerancePct <= 0 {
		c.Monitor.StopTolerancePct = 0.01
	}
	if c.Monitor.ErrorBackoffSeconds <= 0 {
		c.Monitor.ErrorBackoffSeconds = 5
	}

	if c.Vision.TimeoutSeconds <= 0 {
		c.Vision.TimeoutSeconds = 60
	}
	if strings.TrimSpace(c.Vision.Model) == "" {
		c.Vision.Model = "gpt-4o-mini"
	}

	if c.Regime.CacheSeconds <= 0 {
		c.Regime.CacheSeconds = 300
	}
	if strings.TrimSpace(c.Regime.DominanceSymbol) == "" {
		c.Regime.DominanceSymbol = "BTCDOMUSDT"
	}
	if strings.TrimSpace(c.Regime.TrendInterval) == "" {
		c.Regime.TrendInterval = "1h"
	}
	if c.Regime.TrendLookback <= 0 {
		c.Regime.TrendLookback = 48
	}
	if c.Regime.DominanceLookback <= 0 {
		c.Regime.DominanceLookback = 48
	}

	if strings.TrimSpace(c.Exchange.Name) == "" {
		c.Exchange.Name = "bybit"
	}
	if strings.TrimSpace(c.Exchange.RESTBaseURL) == "" {
		c.Exchange.RESTBaseURL = "https://api.bybit.com"
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 15
	}
	if strings.TrimSpace(c.Market.RESTBaseURL) == "" {
		c.Market.RESTBaseURL = "https://fapi.binance.com"
	}

	if strings.TrimSpace(c.Watchlist.Path) == "" {
		c.Watchlist.Path = "data/watchlist.json"
	}
	if strings.TrimSpace(c.Watchlist.BlacklistPath) == "" {
		c.Watchlist.BlacklistPath = "data/smart_blacklist.json"
	}
	if strings.TrimSpace(c.Store.TradeDBPath) == "" {
		c.Store.TradeDBPath = "data/trades.db"
	}
	if strings.TrimSpace(c.Store.VerdictDBPath) == "" {
		c.Store.VerdictDBPath = "data/verdicts.db"
	}

	c.Exchange.Proxy.normalize()
	c.Market.Proxy.normalize()
}
