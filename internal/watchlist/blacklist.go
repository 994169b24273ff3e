package watchlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sniper/internal/logger"
)

// blacklistRecord is one cooled-down setup on disk.
type blacklistRecord struct {
	Symbol    string    `json:"symbol"`
	Pattern   string    `json:"pattern"`
	Timeframe string    `json:"timeframe"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Blacklist 记录被否决的形态，冷却期内同一 (symbol, pattern, timeframe)
// 不再重复扫描。默认冷却 6 小时。
type Blacklist struct {
	path string
	ttl  time.Duration

	mu      sync.Mutex
	records map[string]blacklistRecord
	nowFn   func() time.Time
}

func NewBlacklist(path string, ttl time.Duration) (*Blacklist, error) {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	b := &Blacklist{
		path:    path,
		ttl:     ttl,
		records: make(map[string]blacklistRecord),
		nowFn:   time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建 blacklist 目录失败: %w", err)
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func blacklistKey(symbol, pattern, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToLower(pattern) + "|" + strings.ToLower(timeframe)
}

func (b *Blacklist) load() error {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取 blacklist 失败: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var records []blacklistRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("解析 blacklist 失败: %w", err)
	}
	now := b.nowFn()
	for _, r := range records {
		if r.ExpiresAt.After(now) {
			b.records[blacklistKey(r.Symbol, r.Pattern, r.Timeframe)] = r
		}
	}
	return nil
}

func (b *Blacklist) persistLocked() {
	records := make([]blacklistRecord, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		logger.Warnf("blacklist: 序列化失败: %v", err)
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		logger.Warnf("blacklist: 写入失败: %v", err)
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		logger.Warnf("blacklist: 替换失败: %v", err)
	}
}

// Add puts the setup into cooldown.
func (b *Blacklist) Add(symbol, pattern, timeframe, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := blacklistKey(symbol, pattern, timeframe)
	b.records[key] = blacklistRecord{
		Symbol:    strings.ToUpper(symbol),
		Pattern:   strings.ToLower(pattern),
		Timeframe: strings.ToLower(timeframe),
		Reason:    reason,
		ExpiresAt: b.nowFn().Add(b.ttl),
	}
	b.persistLocked()
	logger.Infof("blacklist: %s %s %s 冷却至 %s (%s)",
		symbol, pattern, timeframe, b.records[key].ExpiresAt.UTC().Format(time.RFC3339), reason)
}

// Contains reports whether the setup is still in cooldown. Expired records
// are pruned lazily.
func (b *Blacklist) Contains(symbol, pattern, timeframe string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := blacklistKey(symbol, pattern, timeframe)
	rec, ok := b.records[key]
	if !ok {
		return false
	}
	if !rec.ExpiresAt.After(b.nowFn()) {
		delete(b.records, key)
		b.persistLocked()
		return false
	}
	return true
}

// Snapshot returns the active records, for the status API.
func (b *Blacklist) Snapshot() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFn()
	out := make([]map[string]any, 0, len(b.records))
	for _, r := range b.records {
		if !r.ExpiresAt.After(now) {
			continue
		}
		out = append(out, map[string]any{
			"symbol":     r.Symbol,
			"pattern":    r.Pattern,
			"timeframe":  r.Timeframe,
			"reason":     r.Reason,
			"expires_at": r.ExpiresAt,
		})
	}
	return out
}
