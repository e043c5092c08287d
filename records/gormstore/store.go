// Package gormstore persists request records through GORM, on PostgreSQL in
// production and SQLite for single-node deployments and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ineyio/creditgate"
)

var activeStates = []string{
	string(creditgate.StatePending),
	string(creditgate.StateHeld),
	string(creditgate.StateExecuting),
}

// Store is a RecordStore backed by a GORM database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ creditgate.RecordStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to driver ("postgres" or "sqlite") at dsn and migrates the schema.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("creditgate/gormstore: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("creditgate/gormstore: open %s: %w", driver, err)
	}
	if driver != "postgres" {
		// SQLite allows one writer; serialize through a single connection.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return New(db, opts...)
}

// New wraps an existing GORM handle and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "record_store"))

	if err := db.AutoMigrate(&requestRow{}); err != nil {
		return nil, fmt.Errorf("creditgate/gormstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Save(ctx context.Context, rec creditgate.RequestRecord) error {
	row := toRow(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&requestRow{}).
			Where("id = ? AND settled = ?", row.ID, false).
			Select("*").
			Updates(&row)
		if res.Error != nil {
			return fmt.Errorf("creditgate/gormstore: save %s: %w", row.ID, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var n int64
		if err := tx.Model(&requestRow{}).Where("id = ?", row.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("creditgate/gormstore: save %s: %w", row.ID, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: record %s is settled", creditgate.ErrInvalidTransition, row.ID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("creditgate/gormstore: save %s: %w", row.ID, err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (creditgate.RequestRecord, error) {
	var row requestRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.RequestRecord{}, fmt.Errorf("%w: %s", creditgate.ErrRecordNotFound, id)
	}
	if err != nil {
		return creditgate.RequestRecord{}, fmt.Errorf("creditgate/gormstore: get %s: %w", id, err)
	}
	return row.record(), nil
}

// MarkSettled flips settled with a conditional update, so at most one
// concurrent caller observes true.
func (s *Store) MarkSettled(ctx context.Context, id string, st creditgate.Settlement) (bool, error) {
	at := st.SettledAt.UTC()
	res := s.db.WithContext(ctx).Model(&requestRow{}).
		Where("id = ? AND settled = ? AND state = ?", id, false, string(creditgate.StateCompleted)).
		Select("settled", "settled_at", "reward", "quality", "needs_review", "updated_at").
		Updates(&requestRow{
			Settled:     true,
			SettledAt:   &at,
			Reward:      st.Reward,
			Quality:     st.Quality,
			NeedsReview: st.NeedsReview,
			UpdatedAt:   at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("creditgate/gormstore: mark settled %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Settled {
		return false, nil
	}
	return false, fmt.Errorf("%w: settle %s record %s", creditgate.ErrInvalidTransition, rec.State, id)
}

func (s *Store) Unsettled(ctx context.Context, cutoff time.Time, limit int) ([]creditgate.RequestRecord, error) {
	q := s.db.WithContext(ctx).
		Where("state = ? AND settled = ? AND completed_at < ?", string(creditgate.StateCompleted), false, cutoff.UTC()).
		Order("completed_at, id")
	return s.find(q, limit, "unsettled")
}

func (s *Store) Stale(ctx context.Context, cutoff time.Time, limit int) ([]creditgate.RequestRecord, error) {
	q := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", activeStates, cutoff.UTC()).
		Order("updated_at, id")
	return s.find(q, limit, "stale")
}

func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("completed_at < ? AND (state = ? OR (state = ? AND settled = ?))",
			cutoff.UTC(), string(creditgate.StateFailed), string(creditgate.StateCompleted), true).
		Delete(&requestRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("creditgate/gormstore: purge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("purged records", zap.Int64("count", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return int(res.RowsAffected), nil
}

func (s *Store) find(q *gorm.DB, limit int, op string) ([]creditgate.RequestRecord, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []requestRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("creditgate/gormstore: %s: %w", op, err)
	}
	out := make([]creditgate.RequestRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}
