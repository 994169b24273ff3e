package watchlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortEntry(id string) Entry {
	return Entry{
		ID:        id,
		Symbol:    "ETHUSDT",
		Pattern:   "double_top",
		Direction: "SHORT",
		Timeframe: "1h",
		Neckline:  3000,
		StopLoss:  3150,
		Target:    2700,
		Status:    StatusForming,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "watchlist.json"))
	require.NoError(t, err)
	return s
}

func TestStoreUpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))
	require.NoError(t, s.Upsert(shortEntry("e2")))

	// 重新打开，内容应从磁盘恢复。
	reopened, err := NewStore(s.path)
	require.NoError(t, err)
	entries := reopened.Snapshot()
	require.Len(t, entries, 2)
	got, ok := reopened.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", got.Symbol)
	assert.Equal(t, StatusForming, got.Status)
}

func TestStoreUpsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	bad := shortEntry("e1")
	bad.StopLoss = 2900 // SHORT 的止损必须高于颈线
	assert.Error(t, s.Upsert(bad))

	bad = shortEntry("e2")
	bad.Direction = "BOTH"
	assert.Error(t, s.Upsert(bad))
}

func TestEntryValidateTarget(t *testing.T) {
	bad := shortEntry("e1")
	bad.Target = 0
	assert.ErrorContains(t, bad.Validate(), "目标价必须为正数")

	bad = shortEntry("e2")
	bad.Target = 3100 // SHORT 的目标必须低于颈线
	assert.ErrorContains(t, bad.Validate(), "必须低于颈线")

	long := Entry{
		ID:        "e3",
		Symbol:    "ETHUSDT",
		Pattern:   "double_bottom",
		Direction: "LONG",
		Timeframe: "1h",
		Neckline:  3000,
		StopLoss:  2850,
		Target:    2950, // LONG 的目标必须高于颈线
		Status:    StatusForming,
	}
	assert.ErrorContains(t, long.Validate(), "必须高于颈线")

	long.Target = 3300
	assert.NoError(t, long.Validate())
}

func TestStoreClaimIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))

	claimed, err := s.Claim("e1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// 第二次认领必须失败：状态机只向前翻转一次。
	claimed, err = s.Claim("e1")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, _ := s.Get("e1")
	assert.Equal(t, StatusExecuting, got.Status)

	// 不存在的条目认领也返回 false。
	claimed, err = s.Claim("missing")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestStoreReleaseReturnsToForming(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))

	claimed, err := s.Claim("e1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.Release("e1"))
	got, _ := s.Get("e1")
	assert.Equal(t, StatusForming, got.Status)

	claimed, err = s.Claim("e1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestStoreRetriesOnceOnExternalWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))

	// 模拟外部扫描工具在我们读后、写前改写了文件。
	interfered := false
	original := s.nowFn
	s.nowFn = func() time.Time {
		if !interfered {
			interfered = true
			doc, err := s.readDoc()
			require.NoError(t, err)
			extra := shortEntry("external")
			doc.Entries = append(doc.Entries, extra)
			doc.Version++
			require.NoError(t, s.writeDoc(doc))
		}
		return original()
	}

	// Claim 内部会先调用 nowFn 更新时间戳，触发上面的干扰写。
	claimed, err := s.Claim("e1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// 重试后的写必须保留外部新增的条目。
	require.NoError(t, s.Reload())
	_, ok := s.Get("external")
	assert.True(t, ok)
	got, _ := s.Get("e1")
	assert.Equal(t, StatusExecuting, got.Status)
}

func TestStoreRemoveMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))

	before := s.cache.Version
	require.NoError(t, s.Remove("missing"))
	assert.Equal(t, before, s.cache.Version)

	require.NoError(t, s.Remove("e1"))
	assert.Empty(t, s.Snapshot())
}

func TestStoreVersionBumpsOnWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(shortEntry("e1")))

	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	var doc fileDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, int64(1), doc.Version)

	_, err = s.Claim("e1")
	require.NoError(t, err)
	raw, err = os.ReadFile(s.path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, int64(2), doc.Version)
}

func TestBlacklistTTL(t *testing.T) {
	b, err := NewBlacklist(filepath.Join(t.TempDir(), "blacklist.json"), 6*time.Hour)
	require.NoError(t, err)
	now := time.Now()
	b.nowFn = func() time.Time { return now }

	b.Add("ETHUSDT", "double_top", "1h", "形态复核未通过")
	assert.True(t, b.Contains("ETHUSDT", "double_top", "1h"))
	assert.True(t, b.Contains("ethusdt", "DOUBLE_TOP", "1H"), "键必须大小写不敏感")
	assert.False(t, b.Contains("ETHUSDT", "double_top", "4h"), "不同周期不共享冷却")

	now = now.Add(6*time.Hour + time.Minute)
	assert.False(t, b.Contains("ETHUSDT", "double_top", "1h"))
}

func TestBlacklistSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.json")
	b, err := NewBlacklist(path, 6*time.Hour)
	require.NoError(t, err)
	b.Add("SOLUSDT", "head_and_shoulders", "4h", "vision INVALID x2")

	reopened, err := NewBlacklist(path, 6*time.Hour)
	require.NoError(t, err)
	assert.True(t, reopened.Contains("SOLUSDT", "head_and_shoulders", "4h"))
}
