// Package sqlstore implements record.Store on a SQL database through gorm.
//
// Slot fills are "UPDATE aggregate_slots ... WHERE url IS NULL" and completion
// is "UPDATE aggregate_records ... WHERE completed = false AND slot_count =
// (filled count)". Both are decided by RowsAffected, so they stay correct with
// any number of service instances sharing the database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aggregator/internal/record"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a gorm-backed record store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(
			slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; one connection also keeps ":memory:" a single database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&recordModel{}, &slotModel{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create inserts the record and its empty slot rows in one transaction.
func (s *Store) Create(ctx context.Context, rec *record.Record) error {
	rm, slots := toModels(rec)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rm).Error; err != nil {
			return err
		}
		if len(slots) == 0 {
			return nil
		}
		return tx.Create(&slots).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", record.ErrExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: create record: %w", err)
	}
	return nil
}

// Get loads a record with its slots.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	db := s.db.WithContext(ctx)

	var rm recordModel
	if err := db.Where("id = ?", id).First(&rm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, record.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get record: %w", err)
	}

	var slots []slotModel
	if err := db.Where("record_id = ?", id).Order("slot_index").Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: get slots: %w", err)
	}
	return fromModels(&rm, slots), nil
}

// FillSlot writes ref into the slot only while its url is NULL.
func (s *Store) FillSlot(ctx context.Context, id string, slot int, ref *record.ResultRef) (*record.FillResult, error) {
	db := s.db.WithContext(ctx)
	materializedAt := ref.MaterializedAt.UTC()

	res := db.Model(&slotModel{}).
		Where("record_id = ? AND slot_index = ? AND url IS NULL", id, slot).
		Updates(map[string]any{
			"url":             ref.URL,
			"materialized_at": materializedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("sqlstore: fill slot: %w", res.Error)
	}

	if res.RowsAffected == 1 {
		if err := db.Model(&recordModel{}).Where("id = ?", id).
			Update("updated_at", s.now()).Error; err != nil {
			return nil, fmt.Errorf("sqlstore: touch record: %w", err)
		}
		return &record.FillResult{
			Outcome: record.OutcomeApplied,
			Current: &record.ResultRef{URL: ref.URL, SlotIndex: slot, MaterializedAt: materializedAt},
		}, nil
	}

	// Nothing matched: the slot is taken, or it does not exist at all.
	var current slotModel
	err := db.Where("record_id = ? AND slot_index = ?", id, slot).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.missingSlot(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read slot: %w", err)
	}
	if current.URL == nil {
		return nil, fmt.Errorf("sqlstore: slot %d of %s matched no update but is empty", slot, id)
	}
	return &record.FillResult{Outcome: record.OutcomeAlreadyFilled, Current: current.ref()}, nil
}

func (s *Store) missingSlot(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&recordModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("sqlstore: read record: %w", err)
	}
	if count == 0 {
		return record.ErrNotFound
	}
	return record.ErrSlotOutOfRange
}

// MarkCompleted flips completed when the stored filled count equals slot_count.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*record.Completion, error) {
	db := s.db.WithContext(ctx)
	now := s.now()

	filled := db.Model(&slotModel{}).Select("count(*)").Where("record_id = ? AND url IS NOT NULL", id)
	res := db.Model(&recordModel{}).
		Where("id = ? AND completed = ?", id, false).
		Where("slot_count = (?)", filled).
		Updates(map[string]any{
			"completed":    true,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("sqlstore: mark completed: %w", res.Error)
	}

	var rm recordModel
	if err := db.Where("id = ?", id).First(&rm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, record.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: read record: %w", err)
	}
	var count int64
	if err := db.Model(&slotModel{}).Where("record_id = ? AND url IS NOT NULL", id).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: count slots: %w", err)
	}

	return &record.Completion{
		Filled:       int(count),
		SlotCount:    rm.SlotCount,
		Completed:    rm.Completed,
		Transitioned: res.RowsAffected == 1,
	}, nil
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ record.Store = (*Store)(nil)
