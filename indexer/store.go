// Package indexer mirrors the ledger's committed event log into a SQL
// database for filtered lookups.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"subledger/core/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	cursorName   = "events"
	defaultLimit = 100
	maxLimit     = 1000
	backfillPage = 500
)

var ErrUnsupportedDriver = errors.New("indexer: unsupported driver")

// Source is the ledger surface the index follows.
type Source interface {
	Events(from uint64, limit int) ([]types.LoggedEvent, error)
	SubscribeEvents(buffer int) (<-chan types.LoggedEvent, func())
}

// Query filters indexed events. Zero values match everything.
type Query struct {
	Type       string
	Module     string
	SubID      *uint64
	Digest     string
	FromHeight uint32
	ToHeight   uint32
	After      uint64
	Limit      int
}

// Store persists ledger events through gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing connection.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Cursor returns the highest persisted sequence.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var cur Cursor
	err := s.db.WithContext(ctx).Where("name = ?", cursorName).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.Sequence, nil
}

// Index persists events and advances the cursor in one transaction. Events
// already stored are ignored so replays after a restart are harmless.
func (s *Store) Index(ctx context.Context, batch []types.LoggedEvent) error {
	if len(batch) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]EventRecord, 0, len(batch))
	var highest uint64
	for _, evt := range batch {
		rec, err := recordFromEvent(evt, now)
		if err != nil {
			return fmt.Errorf("indexer: encode event %d: %w", evt.Sequence, err)
		}
		rows = append(rows, rec)
		if evt.Sequence > highest {
			highest = evt.Sequence
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return err
		}
		var cur Cursor
		err := tx.Where("name = ?", cursorName).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&Cursor{Name: cursorName, Sequence: highest}).Error
		case err != nil:
			return err
		case highest > cur.Sequence:
			return tx.Model(&Cursor{}).Where("name = ?", cursorName).Update("sequence", highest).Error
		}
		return nil
	})
}

// Search returns indexed events matching q in sequence order.
func (s *Store) Search(ctx context.Context, q Query) ([]types.LoggedEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	tx := s.db.WithContext(ctx).Model(&EventRecord{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Module != "" {
		tx = tx.Where("module = ?", q.Module)
	}
	if q.SubID != nil {
		tx = tx.Where("sub_id = ?", *q.SubID)
	}
	if q.Digest != "" {
		tx = tx.Where("digest = ?", strings.ToLower(q.Digest))
	}
	if q.FromHeight > 0 {
		tx = tx.Where("height >= ?", q.FromHeight)
	}
	if q.ToHeight > 0 {
		tx = tx.Where("height <= ?", q.ToHeight)
	}
	if q.After > 0 {
		tx = tx.Where("sequence > ?", q.After)
	}
	var rows []EventRecord
	if err := tx.Order("sequence asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.LoggedEvent, 0, len(rows))
	for _, row := range rows {
		evt, err := row.event()
		if err != nil {
			return nil, fmt.Errorf("indexer: decode event %d: %w", row.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// CountByType tallies indexed events per event type.
func (s *Store) CountByType(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Total int64
	}
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Select("type, count(*) as total").
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Type] = row.Total
	}
	return out, nil
}

// Follow backfills from the stored cursor and then indexes live events until
// ctx is cancelled. Events dropped by a lagging subscription are recovered
// from the ledger log on the next gap.
func (s *Store) Follow(ctx context.Context, src Source) error {
	updates, cancel := src.SubscribeEvents(256)
	defer cancel()

	cursor, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if cursor, err = s.backfill(ctx, src, cursor); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if evt.Sequence <= cursor {
				continue
			}
			if evt.Sequence > cursor+1 {
				if cursor, err = s.backfill(ctx, src, cursor); err != nil {
					return err
				}
				if evt.Sequence <= cursor {
					continue
				}
			}
			if err := s.Index(ctx, []types.LoggedEvent{evt}); err != nil {
				s.logger.Error("indexer write failed",
					slog.Uint64("sequence", evt.Sequence),
					slog.String("error", err.Error()))
				continue
			}
			cursor = evt.Sequence
		}
	}
}

func (s *Store) backfill(ctx context.Context, src Source, cursor uint64) (uint64, error) {
	for {
		batch, err := src.Events(cursor+1, backfillPage)
		if err != nil {
			return cursor, fmt.Errorf("indexer: read ledger events: %w", err)
		}
		if len(batch) == 0 {
			return cursor, nil
		}
		if err := s.Index(ctx, batch); err != nil {
			return cursor, err
		}
		cursor = batch[len(batch)-1].Sequence
		s.logger.Debug("indexer backfilled", slog.Uint64("sequence", cursor), slog.Int("count", len(batch)))
		if len(batch) < backfillPage {
			return cursor, nil
		}
	}
}
