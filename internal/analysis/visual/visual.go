// Package visual 把单一周期的 K 线渲染成截图，叠加颈线/止损/目标价位线，
// 供视觉模型复核形态。渲染路径：go-echarts 生成 HTML，chromedp 无头截图。
package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"

	"sniper/internal/market"
)

type ImageResult struct {
	Bytes       []byte `json:"-"`
	Base64      string `json:"base64"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
}

func (r *ImageResult) DataURI() string {
	if r == nil {
		return ""
	}
	if r.Base64 == "" && len(r.Bytes) > 0 {
		r.Base64 = base64.StdEncoding.EncodeToString(r.Bytes)
	}
	if r.Base64 == "" {
		return ""
	}
	return "data:image/png;base64," + r.Base64
}

// SetupInput carries the candles plus the levels the watchlist entry hangs on.
type SetupInput struct {
	Context   context.Context
	Symbol    string
	Interval  string
	Candles   []market.Candle
	Pattern   string
	Direction string
	Neckline  float64
	StopLoss  float64
	Target    float64
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEmaFast       = "#3b82f6"
	colorEmaSlow       = "#fbbf24"
	colorNeckline      = "#22d3ee"
	colorStop          = "#fb7185"
	colorTarget        = "#a78bfa"
	colorDIF           = "#22d3ee"
	colorDEA           = "#fb7185"

	chartWidthPx  = 1600
	klineHeightPx = 600
	macdHeightPx  = 260
)

// RenderSetup renders one chart block for the given setup.
func RenderSetup(input SetupInput) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(input.Context); err != nil {
		return ImageResult{}, err
	}
	if input.Symbol == "" {
		return ImageResult{}, fmt.Errorf("symbol required for setup render")
	}
	if len(input.Candles) == 0 {
		return ImageResult{}, fmt.Errorf("no candles for %s %s", input.Symbol, input.Interval)
	}
	html, err := buildSetupHTML(input)
	if err != nil {
		return ImageResult{}, err
	}
	height := klineHeightPx + macdHeightPx
	png, err := renderHTMLToPNG(input.Context, html, chartWidthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	desc := fmt.Sprintf("%s %s %s 颈线=%.4f 止损=%.4f 目标=%.4f",
		strings.ToUpper(input.Symbol), input.Interval, input.Pattern, input.Neckline, input.StopLoss, input.Target)
	return ImageResult{
		Bytes:       png,
		Base64:      base64.StdEncoding.EncodeToString(png),
		Filename:    fmt.Sprintf("%s_%s_setup.png", strings.ToLower(input.Symbol), input.Interval),
		Description: desc,
	}, nil
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func buildSetupHTML(input SetupInput) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	candles := input.Candles
	minPrice, maxPrice := priceBounds(candles)
	for _, level := range []float64{input.Neckline, input.StopLoss, input.Target} {
		if level > 0 {
			minPrice = math.Min(minPrice, level)
			maxPrice = math.Max(maxPrice, level)
		}
	}
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}

	init := opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", klineHeightPx),
		BackgroundColor: colorBackground,
	}
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s", strings.ToUpper(input.Symbol), input.Interval),
			Subtitle:      fmt.Sprintf("%s (%s)", input.Pattern, input.Direction),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)

	xAxis := buildXAxis(candles)
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", buildKlineSeries(candles), levelMarkLines(input)...)

	emaLine := buildEMALine(candles)
	emaLine.SetXAxis(xAxis)
	kline.Overlap(emaLine)

	macdChart := buildMACDChart(xAxis, candles)
	page.AddCharts(kline, macdChart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// levelMarkLines draws horizontal lines at the neckline, stop and target so
// the vision model can read the setup geometry off the image.
func levelMarkLines(input SetupInput) []charts.SeriesOpts {
	seriesOpts := []charts.SeriesOpts{
		charts.WithMarkLineStyleOpts(opts.MarkLineStyle{
			Symbol: []string{"none", "none"},
			Label:  &opts.Label{Show: opts.Bool(true), Color: colorTextPrimary, Formatter: "{b}: {c}"},
		}),
	}
	if input.Neckline > 0 {
		seriesOpts = append(seriesOpts, charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
			Name: "Neckline", YAxis: round(input.Neckline, 4),
		}))
	}
	if input.StopLoss > 0 {
		seriesOpts = append(seriesOpts, charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
			Name: "Stop", YAxis: round(input.StopLoss, 4),
		}))
	}
	if input.Target > 0 {
		seriesOpts = append(seriesOpts, charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
			Name: "Target", YAxis: round(input.Target, 4),
		}))
	}
	return seriesOpts
}

func buildXAxis(candles []market.Candle) []string {
	x := make([]string, len(candles))
	for i, c := range candles {
		x[i] = time.UnixMilli(c.CloseTime).UTC().Format("01-02 15:04")
	}
	return x
}

func buildKlineSeries(candles []market.Candle) []opts.KlineData {
	data := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	return data
}

func buildEMALine(candles []market.Candle) *charts.Line {
	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	closes := market.Closes(candles)
	if len(closes) >= 21 {
		line.AddSeries("EMA21", toLineData(talib.Ema(closes, 21), len(candles)),
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorEmaFast, Width: 2}))
	}
	if len(closes) >= 55 {
		line.AddSeries("EMA55", toLineData(talib.Ema(closes, 55), len(candles)),
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorEmaSlow, Width: 2}))
	}
	return line
}

func buildMACDChart(xAxis []string, candles []market.Candle) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", macdHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "MACD", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	dif, dea, hist := calcMACDSeries(candles)
	histData := make([]opts.BarData, len(candles))
	offset := len(candles) - len(hist)
	for i := range histData {
		histData[i] = opts.BarData{Value: nil}
	}
	for i, v := range hist {
		if math.IsNaN(v) {
			continue
		}
		color := colorBear
		if v >= 0 {
			color = colorBull
		}
		histData[offset+i] = opts.BarData{
			Value:     round(v, 4),
			ItemStyle: &opts.ItemStyle{Color: color},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("MACD Hist", histData)

	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("DIF", toLineData(dif, len(candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDIF, Width: 2}))
	line.AddSeries("DEA", toLineData(dea, len(candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDEA, Width: 2}))
	bar.Overlap(line)
	return bar
}

func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	offset := length - len(series)
	if offset < 0 {
		offset = 0
	}
	for i := 0; i < offset; i++ {
		line[i] = opts.LineData{Value: nil}
	}
	for i := 0; i < len(series) && offset+i < length; i++ {
		val := series[i]
		if math.IsNaN(val) {
			line[offset+i] = opts.LineData{Value: nil}
		} else {
			line[offset+i] = opts.LineData{Value: round(val, 4)}
		}
	}
	return line
}

func calcMACDSeries(candles []market.Candle) (dif, dea, hist []float64) {
	const slow = 26
	if len(candles) < slow {
		return nil, nil, nil
	}
	dif, dea, hist = talib.Macd(market.Closes(candles), 12, 26, 9)
	return dif, dea, hist
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func priceBounds(candles []market.Candle) (minVal, maxVal float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	minVal = candles[0].Low
	maxVal = candles[0].High
	for _, c := range candles {
		if c.Low < minVal {
			minVal = c.Low
		}
		if c.High > maxVal {
			maxVal = c.High
		}
	}
	return minVal, maxVal
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
