// Package engine 实现交易生命周期：触发扫描、准入、下单、入场后监护、
// 情景守卫。所有对交易所的方向语义都从 Direction 出发。
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Direction 是形态登记的交易方向。它是方向到订单方向的唯一权威来源：
// 任何地方都不允许从仓位大小符号或字符串拼接推导 side。
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return DirectionLong, nil
	case "SHORT":
		return DirectionShort, nil
	default:
		return "", fmt.Errorf("非法方向: %q", s)
	}
}

// OrderSide returns the venue side for opening in this direction.
func (d Direction) OrderSide() (string, error) {
	switch d {
	case DirectionLong:
		return "Buy", nil
	case DirectionShort:
		return "Sell", nil
	default:
		return "", fmt.Errorf("非法方向: %q", string(d))
	}
}

// CloseSide returns the venue side for a reduce-only close of this direction.
func (d Direction) CloseSide() (string, error) {
	switch d {
	case DirectionLong:
		return "Sell", nil
	case DirectionShort:
		return "Buy", nil
	default:
		return "", fmt.Errorf("非法方向: %q", string(d))
	}
}

// Position lifecycle states.
const (
	StateMonitoring     = "MONITORING"
	StateBreakEvenArmed = "BREAK_EVEN_ARMED"
	StateClosed         = "CLOSED"
)

// OpenPosition 是一笔已开仓位的监护状态。字段写入全部经过互斥锁，
// supervisor 循环与情景守卫会并发触碰同一个实例。
type OpenPosition struct {
	EntryID       string    `json:"entry_id"`
	Symbol        string    `json:"symbol"`
	Pattern       string    `json:"pattern"`
	Timeframe     string    `json:"timeframe"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Neckline      float64   `json:"neckline"`
	Qty           float64   `json:"qty"`
	Leverage      float64   `json:"leverage"`
	StopLoss      float64   `json:"stop_loss"`
	Target        float64   `json:"target"`
	EntryScenario int       `json:"entry_scenario"`
	OpenedAt      time.Time `json:"opened_at"`

	mu            sync.Mutex
	state         string
	invalidStreak int
	closing       bool
}

func (p *OpenPosition) init() {
	p.mu.Lock()
	if p.state == "" {
		p.state = StateMonitoring
	}
	p.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *OpenPosition) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" {
		return StateMonitoring
	}
	return p.state
}

// ArmBreakEven flips MONITORING -> BREAK_EVEN_ARMED. The flip is monotone:
// it returns true only once, and a closed position can never arm.
func (p *OpenPosition) ArmBreakEven() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "" && p.state != StateMonitoring {
		return false
	}
	p.state = StateBreakEvenArmed
	return true
}

// BreakEvenArmed reports whether the stop has already been moved.
func (p *OpenPosition) BreakEvenArmed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateBreakEvenArmed
}

// BeginClose claims the close transition. Only the first caller gets true;
// everyone else must treat the position as already closing.
func (p *OpenPosition) BeginClose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.state == StateClosed {
		return false
	}
	p.closing = true
	return true
}

// AbortClose rolls back a failed close claim so a later pass can retry.
func (p *OpenPosition) AbortClose() {
	p.mu.Lock()
	p.closing = false
	p.mu.Unlock()
}

// MarkClosed finalizes the lifecycle.
func (p *OpenPosition) MarkClosed() {
	p.mu.Lock()
	p.state = StateClosed
	p.closing = false
	p.mu.Unlock()
}

func (p *OpenPosition) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateClosed
}

// RecordInvalidVerdict bumps the consecutive INVALID counter and returns the
// new streak length.
func (p *OpenPosition) RecordInvalidVerdict() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidStreak++
	return p.invalidStreak
}

// ResetInvalidStreak clears the counter. Called on VALID verdicts and on
// INVALID verdicts below the confidence threshold.
func (p *OpenPosition) ResetInvalidStreak() {
	p.mu.Lock()
	p.invalidStreak = 0
	p.mu.Unlock()
}

func (p *OpenPosition) InvalidStreak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidStreak
}

// BreakEvenTrigger 返回触发保本的价位：入场价向目标方向走完一半行程。
// SetStopLoss records a stop move. 注册后的止损写入必须走这里，
// HTTP 快照会并发读同一个实例。
func (p *OpenPosition) SetStopLoss(v float64) {
	p.mu.Lock()
	p.StopLoss = v
	p.mu.Unlock()
}

func (p *OpenPosition) CurrentStopLoss() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StopLoss
}

// PositionView 是仓位状态的只读快照，用于 JSON 序列化。
type PositionView struct {
	EntryID       string    `json:"entry_id"`
	Symbol        string    `json:"symbol"`
	Pattern       string    `json:"pattern"`
	Timeframe     string    `json:"timeframe"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Neckline      float64   `json:"neckline"`
	Qty           float64   `json:"qty"`
	Leverage      float64   `json:"leverage"`
	StopLoss      float64   `json:"stop_loss"`
	Target        float64   `json:"target"`
	EntryScenario int       `json:"entry_scenario"`
	OpenedAt      time.Time `json:"opened_at"`
	State         string    `json:"state"`
	InvalidStreak int       `json:"invalid_streak"`
}

// View copies the position under its lock.
func (p *OpenPosition) View() PositionView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PositionView{
		EntryID:       p.EntryID,
		Symbol:        p.Symbol,
		Pattern:       p.Pattern,
		Timeframe:     p.Timeframe,
		Direction:     p.Direction,
		EntryPrice:    p.EntryPrice,
		Neckline:      p.Neckline,
		Qty:           p.Qty,
		Leverage:      p.Leverage,
		StopLoss:      p.StopLoss,
		Target:        p.Target,
		EntryScenario: p.EntryScenario,
		OpenedAt:      p.OpenedAt,
		State:         p.state,
		InvalidStreak: p.invalidStreak,
	}
}

func (p *OpenPosition) BreakEvenTrigger(fraction float64) float64 {
	if fraction <= 0 {
		fraction = 0.5
	}
	if p.Direction == DirectionShort {
		return p.EntryPrice - fraction*abs(p.Target-p.EntryPrice)
	}
	return p.EntryPrice + fraction*abs(p.Target-p.EntryPrice)
}

// BreakEvenStop 返回保本止损价：入场价加减手续费缓冲。
func (p *OpenPosition) BreakEvenStop(feeBufferPct float64) float64 {
	if p.Direction == DirectionShort {
		return p.EntryPrice * (1 - feeBufferPct)
	}
	return p.EntryPrice * (1 + feeBufferPct)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
