// Package bybit implements the exchange gateway on Bybit's V5 REST API
// (USDT perpetual, one-way mode).
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	snconfig "sniper/internal/config"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	recvWindowMs   = "5000"
)

// Client wraps the subset of Bybit V5 REST endpoints the engine needs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	apiSecret  string
	nowFn      func() time.Time
}

// NewClient constructs a Bybit client from configuration.
func NewClient(cfg snconfig.ExchangeConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.RESTBaseURL)
	if raw == "" {
		if cfg.Testnet {
			raw = testnetBaseURL
		} else {
			raw = mainnetBaseURL
		}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 exchange.rest_base_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy.Enabled && cfg.Proxy.RESTURL != "" {
		proxyURL, perr := url.Parse(cfg.Proxy.RESTURL)
		if perr != nil {
			return nil, fmt.Errorf("解析 exchange.proxy.rest_url 失败: %w", perr)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiSecret:  strings.TrimSpace(cfg.APISecret),
		nowFn:      time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// apiResponse is the V5 envelope common to all endpoints.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// retCodes the engine treats as success besides 0.
// 110043: leverage not modified (already at requested value).
// 34040:  trading-stop not modified.
func benignRetCode(code int) bool {
	return code == 110043 || code == 34040
}

// doGet performs a signed GET request. Query params must already be encoded.
func (c *Client) doGet(ctx context.Context, path string, query url.Values, out any) error {
	if c == nil {
		return fmt.Errorf("bybit client 未初始化")
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	qs := query.Encode()
	endpoint.RawQuery = qs

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	c.sign(req, qs)
	return c.execute(req, out)
}

// doPost performs a signed POST request with a JSON body.
func (c *Client) doPost(ctx context.Context, path string, payload any, out any) error {
	if c == nil {
		return fmt.Errorf("bybit client 未初始化")
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(buf))
	return c.execute(req, out)
}

// sign attaches the V5 auth headers. The signed payload is
// timestamp + apiKey + recvWindow + (queryString | jsonBody).
func (c *Client) sign(req *http.Request, payload string) {
	ts := strconv.FormatInt(c.nowFn().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + c.apiKey + recvWindowMs + payload))
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindowMs)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用 bybit 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bybit 返回错误(%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var envelope apiResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&envelope); err != nil {
		return fmt.Errorf("解析 bybit 响应失败: %w", err)
	}
	if envelope.RetCode != 0 && !benignRetCode(envelope.RetCode) {
		return fmt.Errorf("bybit retCode=%d: %s", envelope.RetCode, envelope.RetMsg)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("解析 bybit result 失败: %w", err)
	}
	return nil
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
