package config

import (
	"fmt"
	"strings"
)

// validate 校验关键配置；失败直接拒绝启动。
func validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config 不能为空")
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction >= 1 {
		return fmt.Errorf("risk.risk_fraction 必须位于 (0,1)，当前 %v", c.Risk.RiskFraction)
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage 必须 >= 1，当前 %v", c.Risk.MaxLeverage)
	}
	if c.Risk.BreakEvenFraction <= 0 || c.Risk.BreakEvenFraction >= 1 {
		return fmt.Errorf("risk.break_even_fraction 必须位于 (0,1)，当前 %v", c.Risk.BreakEvenFraction)
	}
	if c.Risk.InvalidConfidenceThreshold <= 0 || c.Risk.InvalidConfidenceThreshold > 1 {
		return fmt.Errorf("risk.invalid_confidence_threshold 必须位于 (0,1]，当前 %v", c.Risk.InvalidConfidenceThreshold)
	}
	if c.Monitor.StopTolerancePct <= 0 || c.Monitor.StopTolerancePct >= 1 {
		return fmt.Errorf("monitor.stop_tolerance_pct 必须位于 (0,1)，当前 %v", c.Monitor.StopTolerancePct)
	}
	if c.Vision.Enabled {
		if strings.TrimSpace(c.Vision.APIURL) == "" {
			return fmt.Errorf("vision.api_url 未配置但 vision.enabled=true")
		}
		if strings.TrimSpace(c.Vision.APIKey) == "" {
			return fmt.Errorf("vision.api_key 未配置但 vision.enabled=true")
		}
	}
	if c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.BotToken) == "" || strings.TrimSpace(c.Notify.Telegram.ChatID) == "" {
			return fmt.Errorf("telegram 已启用但 bot_token/chat_id 不完整")
		}
	}
	if strings.TrimSpace(c.Exchange.APIKey) == "" || strings.TrimSpace(c.Exchange.APISecret) == "" {
		return fmt.Errorf("exchange.api_key/api_secret 未配置")
	}
	return nil
}
