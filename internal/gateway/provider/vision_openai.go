package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sniper/internal/logger"
)

// 中文说明：
// VisionChatClient：兼容 OpenAI / Qwen-VL / GLM-4V 的多模态聊天补全接口
// （/v1/chat/completions），用于把 K 线截图交给视觉模型判定形态是否仍然成立。

type VisionChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// 简易重试（用于 429/5xx）：若为 0 则默认重试 2 次
	MaxRetries int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imagePayload `json:"image_url,omitempty"`
}

type imagePayload struct {
	URL string `json:"url"`
}

// CallWithImage sends one user turn containing text plus a PNG screenshot and
// returns the raw assistant content.
func (c *VisionChatClient) CallWithImage(ctx context.Context, systemPrompt, userPrompt string, imagePNG []byte) (string, error) {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	// 规范化 BaseURL，避免配置里写了完整的 /chat/completions 导致重复路径
	url := c.BaseURL
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	url = url + "/chat/completions"

	messages := []chatMessage{}
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	parts := []contentPart{{Type: "text", Text: userPrompt}}
	if len(imagePNG) > 0 {
		dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imagePayload{URL: dataURI}})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})

	body := map[string]any{"model": c.Model, "messages": messages, "temperature": 0.1}
	b, _ := json.Marshal(body)

	httpc := &http.Client{Timeout: c.Timeout}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
		}

		resp, err := httpc.Do(req)
		if err != nil {
			lastErr = err
			break
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				return "", derr
			}
			if len(r.Choices) == 0 {
				return "", fmt.Errorf("empty choices")
			}
			return r.Choices[0].Message.Content, nil
		}
		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		// 对 429/5xx 进行有限重试（带 Retry-After 支持）
		if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < maxRetries {
			wait := time.Duration(0)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			resp.Body.Close()
			if wait == 0 {
				wait = time.Duration(attempt+1) * 2 * time.Second
			}
			logger.Warnf("[Vision] %s 返回 %d，%s 后重试 (%d/%d)", c.Model, resp.StatusCode, wait, attempt+1, maxRetries)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			lastErr = fmt.Errorf("vision api %d: %s", resp.StatusCode, msg)
			continue
		}
		resp.Body.Close()
		return "", fmt.Errorf("vision api %d: %s", resp.StatusCode, msg)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("vision api: exhausted retries")
	}
	return "", lastErr
}
