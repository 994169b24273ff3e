// Package ai 负责把 K 线截图交给视觉模型，并把模型输出解析成结构化判定。
package ai

import "context"

const (
	VerdictValid   = "VALID"
	VerdictInvalid = "INVALID"
)

// Verdict 是视觉模型对形态有效性的结构化判定。
type Verdict struct {
	Status     string  `json:"status"`     // VALID | INVALID
	Confidence float64 `json:"confidence"` // 0~1
	Reasoning  string  `json:"reasoning"`
}

func (v Verdict) IsInvalid() bool { return v.Status == VerdictInvalid }

// JudgeRequest carries everything the model needs to assess a setup.
type JudgeRequest struct {
	Symbol    string
	Timeframe string
	Pattern   string
	Direction string // "LONG" or "SHORT"
	Neckline  float64
	StopLoss  float64
	Target    float64
	EntryPrice float64 // 0 when judging a pre-entry setup
	ChartPNG  []byte
}

// Judge 是视觉判定的抽象，便于引擎在测试里替换掉真实模型。
type Judge interface {
	JudgeSetup(ctx context.Context, req JudgeRequest) (Verdict, error)
}
