package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kestrel/internal/store/model"
	"kestrel/internal/trader"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type SqliteStore struct {
	db *gorm.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	if err := db.AutoMigrate(&model.TradeModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) RecordOpen(ctx context.Context, trade *trader.Trade) error {
	return s.save(ctx, trade)
}

func (s *SqliteStore) RecordClose(ctx context.Context, trade *trader.Trade) error {
	return s.save(ctx, trade)
}

// save 按 trade_id 做 upsert：开仓写入、平仓覆盖同一行。
func (s *SqliteStore) save(ctx context.Context, trade *trader.Trade) error {
	if trade == nil {
		return fmt.Errorf("trade cannot be nil")
	}
	rec, err := toModel(trade)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (s *SqliteStore) Trades(ctx context.Context, sessionID string) ([]*trader.Trade, error) {
	var rows []model.TradeModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("entry_timestamp ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func (s *SqliteStore) OpenTrades(ctx context.Context) ([]*trader.Trade, error) {
	var rows []model.TradeModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", int(model.TradeStatusOpen)).
		Order("entry_timestamp ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func (s *SqliteStore) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&model.TradeModel{}).
		Distinct("session_id").
		Order("session_id DESC").
		Limit(limit).
		Pluck("session_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(t *trader.Trade) (*model.TradeModel, error) {
	exitJSON, err := json.Marshal(t.Exit)
	if err != nil {
		return nil, fmt.Errorf("encode exit config: %w", err)
	}
	trailingJSON, err := json.Marshal(t.Trailing)
	if err != nil {
		return nil, fmt.Errorf("encode trailing state: %w", err)
	}
	status := model.TradeStatusOpen
	if t.Status == trader.StatusClosed {
		status = model.TradeStatusClosed
	}
	forced := 0
	if t.Forced {
		forced = 1
	}
	var exitTS int64
	if !t.ExitTime.IsZero() {
		exitTS = t.ExitTime.UnixMilli()
	}
	now := time.Now().Unix()
	return &model.TradeModel{
		TradeID:        t.ID,
		SessionID:      t.SessionID,
		Symbol:         t.Symbol,
		Side:           string(t.Side),
		EntryPrice:     t.EntryPrice,
		EntryTimestamp: t.EntryTime.UnixMilli(),
		Quantity:       t.Quantity,
		Leverage:       t.Leverage,
		Margin:         t.Margin,
		StrategyTag:    t.StrategyTag,
		ExitJSON:       exitJSON,
		TrailingJSON:   trailingJSON,
		Status:         status,
		ExitPrice:      t.ExitPrice,
		ExitTimestamp:  exitTS,
		RealizedProfit: t.RealizedProfit,
		Forced:         forced,
		CreatedAtUnix:  now,
		UpdatedAtUnix:  now,
	}, nil
}

func fromModels(rows []model.TradeModel) ([]*trader.Trade, error) {
	out := make([]*trader.Trade, 0, len(rows))
	for i := range rows {
		t, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func fromModel(rec *model.TradeModel) (*trader.Trade, error) {
	t := &trader.Trade{
		ID:             rec.TradeID,
		SessionID:      rec.SessionID,
		Symbol:         rec.Symbol,
		EntryPrice:     rec.EntryPrice,
		EntryTime:      time.UnixMilli(rec.EntryTimestamp).UTC(),
		Quantity:       rec.Quantity,
		Leverage:       rec.Leverage,
		Margin:         rec.Margin,
		StrategyTag:    rec.StrategyTag,
		ExitPrice:      rec.ExitPrice,
		RealizedProfit: rec.RealizedProfit,
		Forced:         rec.Forced != 0,
	}
	if side, ok := trader.ParseSide(rec.Side); ok {
		t.Side = side
	}
	switch rec.Status {
	case model.TradeStatusClosed:
		t.Status = trader.StatusClosed
	default:
		t.Status = trader.StatusOpen
	}
	if rec.ExitTimestamp > 0 {
		t.ExitTime = time.UnixMilli(rec.ExitTimestamp).UTC()
	}
	if len(rec.ExitJSON) > 0 {
		if err := json.Unmarshal(rec.ExitJSON, &t.Exit); err != nil {
			return nil, fmt.Errorf("decode exit config for %s: %w", rec.TradeID, err)
		}
	}
	if len(rec.TrailingJSON) > 0 {
		if err := json.Unmarshal(rec.TrailingJSON, &t.Trailing); err != nil {
			return nil, fmt.Errorf("decode trailing state for %s: %w", rec.TradeID, err)
		}
	}
	return t, nil
}
