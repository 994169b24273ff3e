// Package verdictlog 持久化视觉判定日志，方便后续排查模型表现。
// 走独立的 SQLite 文件，避免与交易档案互相抢锁。
package verdictlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StagePreEntry  = "pre_entry"
	StagePostEntry = "post_entry"
)

// Record 是一次视觉判定的完整留痕。
type Record struct {
	ID         int64   `json:"id"`
	TS         int64   `json:"ts"`
	Symbol     string  `json:"symbol"`
	Pattern    string  `json:"pattern"`
	Timeframe  string  `json:"timeframe"`
	Stage      string  `json:"stage"` // pre_entry | post_entry
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Error      string  `json:"error,omitempty"`
}

// Store 管理判定日志。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("verdict log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS verdicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    pattern TEXT NOT NULL DEFAULT '',
    timeframe TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    reasoning TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_verdicts_symbol_ts ON verdicts(symbol, ts DESC);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append writes one verdict record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("verdict log store 未初始化")
	}
	if rec.TS == 0 {
		rec.TS = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verdicts(ts, symbol, pattern, timeframe, stage, status, confidence, reasoning, error)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.TS, rec.Symbol, rec.Pattern, rec.Timeframe, rec.Stage, rec.Status, rec.Confidence, rec.Reasoning, rec.Error)
	return err
}

// Recent returns the latest records for symbol (all symbols when empty).
func (s *Store) Recent(ctx context.Context, symbol string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("verdict log store 未初始化")
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, symbol, pattern, timeframe, stage, status, confidence, reasoning, error
	          FROM verdicts`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TS, &r.Symbol, &r.Pattern, &r.Timeframe, &r.Stage, &r.Status, &r.Confidence, &r.Reasoning, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
