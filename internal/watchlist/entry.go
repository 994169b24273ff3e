// Package watchlist 管理等待触发的形态观察列表。列表文件由外部形态扫描
// 工具写入，引擎读取并在状态翻转时写回，所以文件是双方共享的。
package watchlist

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StatusForming 形态已登记，等待价格触发。
	StatusForming = "FORMING"
	// StatusExecuting 已被引擎认领并进入执行流程。
	StatusExecuting = "EXECUTING"
)

// Entry 是观察列表里的一条形态登记。
type Entry struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Pattern   string    `json:"pattern"`
	Direction string    `json:"direction"` // "LONG" or "SHORT"
	Timeframe string    `json:"timeframe"` // e.g. "1h", "4h"
	Neckline  float64   `json:"neckline"`  // Trigger level
	StopLoss  float64   `json:"stop_loss"`
	Target    float64   `json:"target"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies a setup across restarts: the same pattern on the same
// symbol and timeframe is the same setup regardless of entry ID.
func (e Entry) Key() string {
	return strings.ToUpper(e.Symbol) + "|" + strings.ToLower(e.Pattern) + "|" + strings.ToLower(e.Timeframe)
}

// Validate rejects entries that cannot be traded.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entry id 不能为空")
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("entry %s: symbol 不能为空", e.ID)
	}
	dir := strings.ToUpper(e.Direction)
	if dir != "LONG" && dir != "SHORT" {
		return fmt.Errorf("entry %s: 非法方向 %q", e.ID, e.Direction)
	}
	if e.Neckline <= 0 || e.StopLoss <= 0 {
		return fmt.Errorf("entry %s: 颈线/止损必须为正数", e.ID)
	}
	if e.Target <= 0 {
		return fmt.Errorf("entry %s: 目标价必须为正数", e.ID)
	}
	if dir == "SHORT" && e.StopLoss <= e.Neckline {
		return fmt.Errorf("entry %s: SHORT 的止损 %.6f 必须高于颈线 %.6f", e.ID, e.StopLoss, e.Neckline)
	}
	if dir == "SHORT" && e.Target >= e.Neckline {
		return fmt.Errorf("entry %s: SHORT 的目标 %.6f 必须低于颈线 %.6f", e.ID, e.Target, e.Neckline)
	}
	if dir == "LONG" && e.StopLoss >= e.Neckline {
		return fmt.Errorf("entry %s: LONG 的止损 %.6f 必须低于颈线 %.6f", e.ID, e.StopLoss, e.Neckline)
	}
	if dir == "LONG" && e.Target <= e.Neckline {
		return fmt.Errorf("entry %s: LONG 的目标 %.6f 必须高于颈线 %.6f", e.ID, e.Target, e.Neckline)
	}
	return nil
}
