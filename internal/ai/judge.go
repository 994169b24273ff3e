package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"sniper/internal/config"
	"sniper/internal/gateway/provider"
	"sniper/internal/logger"
)

const verdictSchemaJSON = `{
  "type": "object",
  "required": ["status", "confidence", "reasoning"],
  "properties": {
    "status": {"type": "string", "enum": ["VALID", "INVALID"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`

const systemPrompt = `你是一名严格的技术形态审核员。你会收到一张标注了颈线/止损/目标价位线的K线截图。
请判断图中登记的形态是否仍然成立，只输出一个 JSON 对象：
{"status": "VALID" 或 "INVALID", "confidence": 0到1的小数, "reasoning": "一句话理由"}
不要输出任何其它文字。`

// VisionJudge implements Judge on an OpenAI-compatible multimodal endpoint.
type VisionJudge struct {
	client *provider.VisionChatClient
	schema *jsonschema.Schema
}

func NewVisionJudge(cfg config.VisionConfig) (*VisionJudge, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("verdict.json", strings.NewReader(verdictSchemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("verdict.json")
	if err != nil {
		return nil, err
	}
	client := &provider.VisionChatClient{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &VisionJudge{client: client, schema: schema}, nil
}

func (j *VisionJudge) JudgeSetup(ctx context.Context, req JudgeRequest) (Verdict, error) {
	prompt := buildUserPrompt(req)
	raw, err := j.client.CallWithImage(ctx, systemPrompt, prompt, req.ChartPNG)
	if err != nil {
		return Verdict{}, err
	}
	verdict, err := ParseVerdict(raw, j.schema)
	if err != nil {
		logger.Warnf("[Vision] %s 返回内容无法解析: %v, raw=%s", req.Symbol, err, truncate(raw, 300))
		return Verdict{}, err
	}
	return verdict, nil
}

func buildUserPrompt(req JudgeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "交易对: %s\n周期: %s\n形态: %s\n方向: %s\n颈线: %.6f\n止损: %.6f\n目标: %.6f\n",
		req.Symbol, req.Timeframe, req.Pattern, req.Direction, req.Neckline, req.StopLoss, req.Target)
	if req.EntryPrice > 0 {
		fmt.Fprintf(&b, "已入场价: %.6f\n该仓位已开仓，请判断继续持有的形态依据是否仍然成立。\n", req.EntryPrice)
	} else {
		b.WriteString("该形态尚未触发入场，请判断它是否仍值得等待。\n")
	}
	return b.String()
}

// ParseVerdict extracts the verdict JSON from a model reply. The reply may
// wrap the JSON in markdown code fences or leading prose.
func ParseVerdict(raw string, schema *jsonschema.Schema) (Verdict, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return Verdict{}, fmt.Errorf("回复中没有 JSON 对象")
	}
	if !gjson.Valid(payload) {
		return Verdict{}, fmt.Errorf("json 格式无效")
	}
	if schema != nil {
		var doc any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			return Verdict{}, err
		}
		if err := schema.Validate(doc); err != nil {
			return Verdict{}, fmt.Errorf("判定结果不符合 schema: %w", err)
		}
	}
	parsed := gjson.Parse(payload)
	verdict := Verdict{
		Status:     strings.ToUpper(strings.TrimSpace(parsed.Get("status").String())),
		Confidence: parsed.Get("confidence").Float(),
		Reasoning:  strings.TrimSpace(parsed.Get("reasoning").String()),
	}
	if verdict.Status != VerdictValid && verdict.Status != VerdictInvalid {
		return Verdict{}, fmt.Errorf("未知 status: %q", verdict.Status)
	}
	return verdict, nil
}

// extractJSONObject returns the first balanced {...} block in text.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
