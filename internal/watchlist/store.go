package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sniper/internal/logger"
)

// ErrConflict 表示写回时文件已被其他进程改写，且一次重试后仍然冲突。
var ErrConflict = fmt.Errorf("watchlist 文件版本冲突")

// fileDoc is the on-disk layout. Version is bumped on every write so
// concurrent writers can detect each other.
type fileDoc struct {
	Version int64   `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store 持久化观察列表。所有变更走 read-compare-write：读文件、改内容、
// 写回前再比对版本号，冲突时重读并重试一次。
type Store struct {
	path string

	mu    sync.RWMutex
	cache fileDoc
	nowFn func() time.Time
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path, nowFn: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建 watchlist 目录失败: %w", err)
	}
	doc, err := s.readDoc()
	if err != nil {
		return nil, err
	}
	s.cache = doc
	return s, nil
}

func (s *Store) readDoc() (fileDoc, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return fileDoc{}, nil
	}
	if err != nil {
		return fileDoc{}, fmt.Errorf("读取 watchlist 失败: %w", err)
	}
	if len(raw) == 0 {
		return fileDoc{}, nil
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fileDoc{}, fmt.Errorf("解析 watchlist 失败: %w", err)
	}
	return doc, nil
}

func (s *Store) writeDoc(doc fileDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("写入 watchlist 失败: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Snapshot returns a copy of all entries from the in-memory cache.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.cache.Entries))
	copy(out, s.cache.Entries)
	return out
}

// Get returns the entry with id, if present.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.cache.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Reload re-reads the file into the cache. Used by the fsnotify watcher.
func (s *Store) Reload() error {
	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = doc
	s.mu.Unlock()
	return nil
}

// mutate applies fn under read-compare-write. fn returns false to abort
// without writing (no-op mutations must not bump the version).
func (s *Store) mutate(fn func(doc *fileDoc) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		baseVersion := doc.Version
		if !fn(&doc) {
			s.cache = doc
			return nil
		}
		// 写前复检：文件版本变了说明外部工具刚写过，重读再试。
		current, err := s.readDoc()
		if err != nil {
			return err
		}
		if current.Version != baseVersion {
			logger.Warnf("watchlist: 版本冲突 (本地=%d 磁盘=%d)，重试", baseVersion, current.Version)
			continue
		}
		doc.Version = baseVersion + 1
		if err := s.writeDoc(doc); err != nil {
			return err
		}
		s.cache = doc
		return nil
	}
	return ErrConflict
}

// Upsert inserts or replaces the entry with the same ID.
func (s *Store) Upsert(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	entry.UpdatedAt = s.nowFn().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.UpdatedAt
	}
	return s.mutate(func(doc *fileDoc) bool {
		for i := range doc.Entries {
			if doc.Entries[i].ID == entry.ID {
				doc.Entries[i] = entry
				return true
			}
		}
		doc.Entries = append(doc.Entries, entry)
		return true
	})
}

// Remove deletes the entry with id. Removing a missing id is a no-op.
func (s *Store) Remove(id string) error {
	return s.mutate(func(doc *fileDoc) bool {
		for i := range doc.Entries {
			if doc.Entries[i].ID == id {
				doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Claim flips the entry from FORMING to EXECUTING. It returns true only for
// the caller that performed the flip; an entry already EXECUTING (or gone)
// returns false, making the trigger handoff idempotent across restarts.
func (s *Store) Claim(id string) (bool, error) {
	claimed := false
	err := s.mutate(func(doc *fileDoc) bool {
		for i := range doc.Entries {
			if doc.Entries[i].ID != id {
				continue
			}
			if doc.Entries[i].Status != StatusForming {
				return false
			}
			doc.Entries[i].Status = StatusExecuting
			doc.Entries[i].UpdatedAt = s.nowFn().UTC()
			claimed = true
			return true
		}
		return false
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Release flips an EXECUTING entry back to FORMING, used when the execution
// pipeline rejects the trigger for a recoverable reason.
func (s *Store) Release(id string) error {
	return s.mutate(func(doc *fileDoc) bool {
		for i := range doc.Entries {
			if doc.Entries[i].ID == id && doc.Entries[i].Status == StatusExecuting {
				doc.Entries[i].Status = StatusForming
				doc.Entries[i].UpdatedAt = s.nowFn().UTC()
				return true
			}
		}
		return false
	})
}

// Watch reloads the cache whenever the file changes on disk. Blocks until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建 watchlist watcher 失败: %w", err)
	}
	defer watcher.Close()

	// 监听目录而不是文件：原子替换（rename）会让文件级 watch 失效。
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("监听 watchlist 目录失败: %w", err)
	}
	target := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				logger.Warnf("watchlist: 重载失败: %v", err)
				continue
			}
			logger.Debugf("watchlist: 文件变更已重载 (%s)", ev.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("watchlist: watcher 错误: %v", err)
		}
	}
}
