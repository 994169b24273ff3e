// Package regime 把 BTC 趋势与 BTC 市占率趋势组合成 1~5 号市场情景，
// 并据此决定允许的开仓方向。
package regime

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TrendUp      = "UP"
	TrendDown    = "DOWN"
	TrendNeutral = "NEUTRAL"
)

// Scenario 描述一种市场情景及其方向许可。
type Scenario struct {
	Number      int    `yaml:"number"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	BTCTrend    string `yaml:"btc_trend"`
	DomTrend    string `yaml:"dominance_trend"`
	AllowLong   bool   `yaml:"allow_long"`
	AllowShort  bool   `yaml:"allow_short"`
}

type matrixFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Matrix resolves a (btcTrend, domTrend) pair to a scenario.
type Matrix struct {
	scenarios []Scenario
	fallback  Scenario
}

// DefaultMatrix 是内置的情景矩阵：
//  1. BTC 涨 + 市占率涨：资金流向 BTC，禁 LONG
//  2. BTC 跌 + 市占率涨：山寨恐慌，禁 LONG
//  3. BTC 涨 + 市占率跌：山寨季，禁 SHORT
//  4. BTC 跌 + 市占率跌：山寨抗跌，双向放行
//  5. 其余组合：中性，双向放行
func DefaultMatrix() *Matrix {
	return &Matrix{
		scenarios: []Scenario{
			{Number: 1, Name: "BTC_SEASON", Description: "资金流向BTC，山寨失血", BTCTrend: TrendUp, DomTrend: TrendUp, AllowLong: false, AllowShort: true},
			{Number: 2, Name: "ALT_PANIC", Description: "山寨恐慌，空头占优", BTCTrend: TrendDown, DomTrend: TrendUp, AllowLong: false, AllowShort: true},
			{Number: 3, Name: "ALTSEASON", Description: "山寨季，多头最佳窗口", BTCTrend: TrendUp, DomTrend: TrendDown, AllowLong: true, AllowShort: false},
			{Number: 4, Name: "ALT_RESILIENT", Description: "山寨抗跌，双向谨慎", BTCTrend: TrendDown, DomTrend: TrendDown, AllowLong: true, AllowShort: true},
		},
		fallback: Scenario{Number: 5, Name: "SIDEWAYS", Description: "市场横盘或趋势不明", AllowLong: true, AllowShort: true},
	}
}

// LoadMatrix reads a scenario matrix from a YAML file. An empty path returns
// the built-in default.
func LoadMatrix(path string) (*Matrix, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultMatrix(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regime matrix failed: %w", err)
	}
	var file matrixFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse regime matrix failed: %w", err)
	}
	m := &Matrix{fallback: DefaultMatrix().fallback}
	for _, sc := range file.Scenarios {
		sc.BTCTrend = strings.ToUpper(strings.TrimSpace(sc.BTCTrend))
		sc.DomTrend = strings.ToUpper(strings.TrimSpace(sc.DomTrend))
		if sc.Number == 5 || (sc.BTCTrend == "" && sc.DomTrend == "") {
			m.fallback = sc
			continue
		}
		m.scenarios = append(m.scenarios, sc)
	}
	if len(m.scenarios) == 0 {
		return nil, fmt.Errorf("regime matrix %s 未定义任何情景", path)
	}
	return m, nil
}

// Resolve maps the trend pair to a scenario. Unmatched pairs get the
// neutral fallback scenario.
func (m *Matrix) Resolve(btcTrend, domTrend string) Scenario {
	for _, sc := range m.scenarios {
		if sc.BTCTrend == btcTrend && sc.DomTrend == domTrend {
			return sc
		}
	}
	return m.fallback
}

// Fallback returns the neutral scenario used when analysis fails.
func (m *Matrix) Fallback() Scenario {
	return m.fallback
}
