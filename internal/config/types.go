package config

import "strings"

// Config 是 Sniper 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Market    MarketConfig    `toml:"market"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Risk      RiskConfig      `toml:"risk"`
	Scanner   ScannerConfig   `toml:"scanner"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Vision    VisionConfig    `toml:"vision"`
	Regime    RegimeConfig    `toml:"regime"`
	Notify    NotifyConfig    `toml:"notify"`
	Store     StoreConfig     `toml:"store"`
	Watchlist WatchlistConfig `toml:"watchlist"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// RiskConfig 对应仓位风险预算与离场防护参数。
// 进程启动时装载，运行期间只读。
type RiskConfig struct {
	// RiskFraction 每笔交易愿意损失的权益比例（0~1）
	RiskFraction float64 `toml:"risk_fraction"`
	// MaxLeverage 名义价值上限 = 权益 × MaxLeverage
	MaxLeverage float64 `toml:"max_leverage"`
	// MinNotionalUSD 交易所允许的最小名义价值
	MinNotionalUSD float64 `toml:"min_notional_usd"`
	// BreakEvenFraction 触发保本的行程比例（相对入场到目标的距离）
	BreakEvenFraction float64 `toml:"break_even_fraction"`
	// FeeBufferPct 保本位相对入场价的手续费缓冲
	FeeBufferPct float64 `toml:"fee_buffer_pct"`
	// InvalidConfidenceThreshold Vision 判定 INVALID 的最低置信度
	InvalidConfidenceThreshold float64 `toml:"invalid_confidence_threshold"`
	// RequiredInvalidVerdicts 连续 INVALID 判定次数要求
	RequiredInvalidVerdicts int `toml:"required_invalid_verdicts"`
}

type ScannerConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	BlacklistHours      int `toml:"blacklist_hours"`
	ValidationCandles   int `toml:"validation_candles"`
}

type MonitorConfig struct {
	PollIntervalSeconds  int     `toml:"poll_interval_seconds"`
	GuardIntervalMinutes int     `toml:"guard_interval_minutes"`
	StopVerifyWaitMs     int     `toml:"stop_verify_wait_ms"`
	StopTolerancePct     float64 `toml:"stop_tolerance_pct"`
	ErrorBackoffSeconds  int     `toml:"error_backoff_seconds"`
}

// VisionConfig 描述视觉判定模型的访问方式（OpenAI 兼容接口）。
type VisionConfig struct {
	Enabled        bool   `toml:"enabled"`
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type RegimeConfig struct {
	MatrixPath        string `toml:"matrix_path"`
	CacheSeconds      int    `toml:"cache_seconds"`
	DominanceSymbol   string `toml:"dominance_symbol"`
	TrendInterval     string `toml:"trend_interval"`
	TrendLookback     int    `toml:"trend_lookback"`
	DominanceLookback int    `toml:"dominance_lookback"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	TradeDBPath   string `toml:"trade_db_path"`
	VerdictDBPath string `toml:"verdict_db_path"`
}

type WatchlistConfig struct {
	Path          string `toml:"path"`
	BlacklistPath string `toml:"blacklist_path"`
}

type ExchangeConfig struct {
	Name           string      `toml:"name"`
	APIKey         string      `toml:"api_key"`
	APISecret      string      `toml:"api_secret"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Testnet        bool        `toml:"testnet"`
	Proxy          ProxyConfig `toml:"proxy"`
}

type MarketConfig struct {
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}
