// Package gormstore 持久化交易记录与准入审计，基于 GORM + SQLite。
package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"

	GateAccepted = "ACCEPTED"
	GateRejected = "REJECTED"
)

// TradeRecord 是一笔交易从开仓到平仓的档案。
type TradeRecord struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryID    string         `gorm:"index;size:64" json:"entry_id"`
	Symbol     string         `gorm:"index;size:32" json:"symbol"`
	Pattern    string         `gorm:"size:64" json:"pattern"`
	Timeframe  string         `gorm:"size:16" json:"timeframe"`
	Direction  string         `gorm:"size:8" json:"direction"`
	Side       string         `gorm:"size:8" json:"side"`
	EntryPrice float64        `json:"entry_price"`
	Qty        float64        `json:"qty"`
	Leverage   float64        `json:"leverage"`
	StopLoss   float64        `json:"stop_loss"`
	Target     float64        `json:"target"`
	Scenario   int            `json:"scenario"`
	Status     string         `gorm:"index;size:16" json:"status"`
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
	ExitPrice  float64        `json:"exit_price,omitempty"`
	ExitReason string         `gorm:"size:255" json:"exit_reason,omitempty"`
	Meta       datatypes.JSON `json:"meta,omitempty"`
}

func (TradeRecord) TableName() string { return "trades" }

// GateAuditRecord 记录每一次准入判定，拒绝也要留痕。
type GateAuditRecord struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryID   string         `gorm:"index;size:64" json:"entry_id"`
	Symbol    string         `gorm:"index;size:32" json:"symbol"`
	Pattern   string         `gorm:"size:64" json:"pattern"`
	Timeframe string         `gorm:"size:16" json:"timeframe"`
	Direction string         `gorm:"size:8" json:"direction"`
	Decision  string         `gorm:"index;size:16" json:"decision"`
	Reason    string         `gorm:"size:512" json:"reason"`
	Scenario  int            `json:"scenario"`
	Details   datatypes.JSON `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (GateAuditRecord) TableName() string { return "gate_audits" }

// Store wraps the GORM handle.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TradeRecord{}, &GateAuditRecord{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordGateDecision persists one admission decision.
func (s *Store) RecordGateDecision(ctx context.Context, rec GateAuditRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// OpenTrade persists a newly opened position.
func (s *Store) OpenTrade(ctx context.Context, rec TradeRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	rec.Status = TradeStatusOpen
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// CloseTrade marks the open trade for entryID closed. Closing an already
// closed (or unknown) trade is a no-op so exit paths stay idempotent.
func (s *Store) CloseTrade(ctx context.Context, entryID string, exitPrice float64, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("entry_id = ? AND status = ?", entryID, TradeStatusOpen).
		Updates(map[string]any{
			"status":      TradeStatusClosed,
			"closed_at":   now,
			"exit_price":  exitPrice,
			"exit_reason": reason,
		}).Error
}

// UpdateStopLoss records a stop move (break-even etc.) on the open trade.
func (s *Store) UpdateStopLoss(ctx context.Context, entryID string, stopLoss float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	return s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("entry_id = ? AND status = ?", entryID, TradeStatusOpen).
		Update("stop_loss", stopLoss).Error
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	var out []TradeRecord
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// OpenTrades returns trades still marked OPEN, used to rebuild supervision
// after a restart.
func (s *Store) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var out []TradeRecord
	err := s.db.WithContext(ctx).Where("status = ?", TradeStatusOpen).Find(&out).Error
	return out, err
}

// ListGateAudits returns recent admission decisions, newest first.
func (s *Store) ListGateAudits(ctx context.Context, limit int) ([]GateAuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	var out []GateAuditRecord
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
