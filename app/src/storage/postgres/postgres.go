// Package postgres provides an optional database mirror for accepted
// readings. Writes are batched off the ingestion path by a background
// goroutine, so a slow or unavailable database never blocks producers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
)

// Config contains the configuration required to connect to Postgres.
type Config struct {
	DSN string
	// BatchSize determines how many readings are flushed together.
	BatchSize int
	// BatchTimeout specifies how long to wait before flushing a partial batch.
	BatchTimeout time.Duration
	// BufferSize controls the capacity of the inbound reading queue.
	BufferSize int
}

// executor is the subset of *sql.DB the store needs.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store mirrors accepted readings into a Postgres table.
type Store struct {
	db     executor
	closer func() error
	logger *infra.Logger

	batchSize    int
	batchTimeout time.Duration
	buffer       chan domain.Reading
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS public.readings (
    id        BIGSERIAL PRIMARY KEY,
    source_id TEXT             NOT NULL,
    ts        TIMESTAMPTZ      NOT NULL,
    value     DOUBLE PRECISION NOT NULL,
    unit      TEXT             NOT NULL
)
`
	createIndexSQL = `
CREATE INDEX IF NOT EXISTS readings_source_ts_idx ON public.readings (source_id, ts)
`
	insertReadingSQL = `
INSERT INTO public.readings (source_id, ts, value, unit)
VALUES ($1, $2, $3, $4)
`
	selectRangeSQL = `
SELECT source_id, ts AT TIME ZONE 'UTC', value, unit
FROM public.readings
WHERE ts BETWEEN $1 AND $2
ORDER BY ts ASC
`
	selectRangeBySourceSQL = `
SELECT source_id, ts AT TIME ZONE 'UTC', value, unit
FROM public.readings
WHERE ts BETWEEN $1 AND $2 AND source_id = $3
ORDER BY ts ASC
`
)

// Open connects to Postgres, ensures the readings table exists and
// starts the background writer.
func Open(ctx context.Context, cfg Config, logger *infra.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres store: DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}

	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	store := newStore(db, db.Close, cfg, logger)
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.start()
	return store, nil
}

func newStore(db executor, closer func() error, cfg Config, logger *infra.Logger) *Store {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = batchSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout < 0 {
		batchTimeout = 0
	}

	return &Store{
		db:           db,
		closer:       closer,
		logger:       logger,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		buffer:       make(chan domain.Reading, bufferSize),
		stopCh:       make(chan struct{}),
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("postgres store: create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("postgres store: create index: %w", err)
	}
	return nil
}

func (s *Store) start() {
	s.wg.Add(1)
	go s.run()
}

// Add enqueues a reading for the background writer.
func (s *Store) Add(ctx context.Context, reading domain.Reading) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return fmt.Errorf("postgres store: %w", domain.ErrClosed)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return fmt.Errorf("postgres store: %w", domain.ErrClosed)
	case s.buffer <- reading:
		return nil
	}
}

// Close stops the background writer, drains the queue and releases the
// connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	if !s.closed {
		s.closed = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	if !alreadyClosed {
		s.wg.Wait()
	}
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *Store) run() {
	defer s.wg.Done()

	batch := make([]domain.Reading, 0, s.batchSize)
	var timer *time.Timer

	activateTimer := func() {
		if s.batchTimeout <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(s.batchTimeout)
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.batchTimeout)
	}

	deactivateTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
		deactivateTimer()
	}

	appendToBatch := func(reading domain.Reading) {
		batch = append(batch, reading)
		if len(batch) == 1 {
			activateTimer()
		}
		if len(batch) >= s.batchSize {
			flush()
		}
	}

	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.C
		}

		select {
		case <-s.stopCh:
			for {
				select {
				case reading := <-s.buffer:
					appendToBatch(reading)
				default:
					flush()
					return
				}
			}
		case reading := <-s.buffer:
			appendToBatch(reading)
		case <-timeout:
			flush()
		}
	}
}

func (s *Store) writeBatch(batch []domain.Reading) {
	ctx := context.Background()
	for _, reading := range batch {
		_, err := s.db.ExecContext(ctx, insertReadingSQL,
			reading.SourceID,
			reading.Timestamp.UTC(),
			reading.Value,
			reading.Unit,
		)
		if err != nil {
			infra.IncDBWriteError()
			s.logger.Errorf(ctx, "postgres store: insert source=%s ts=%s: %v",
				reading.SourceID, reading.Timestamp.UTC().Format(time.RFC3339Nano), err)
			continue
		}
		infra.IncDBWrite()
	}
	infra.ObserveDBBatch(len(batch))
}

// ReadingsInRange returns the mirrored readings recorded within the
// inclusive time range, oldest first. An empty sourceID matches every
// source.
func (s *Store) ReadingsInRange(ctx context.Context, from, to time.Time, sourceID string) ([]domain.Reading, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sourceID == "" {
		rows, err = s.db.QueryContext(ctx, selectRangeSQL, from.UTC(), to.UTC())
	} else {
		rows, err = s.db.QueryContext(ctx, selectRangeBySourceSQL, from.UTC(), to.UTC(), sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: readings in range: %w", err)
	}
	defer rows.Close()

	var results []domain.Reading
	for rows.Next() {
		var reading domain.Reading
		if err := rows.Scan(&reading.SourceID, &reading.Timestamp, &reading.Value, &reading.Unit); err != nil {
			return nil, fmt.Errorf("postgres store: scan reading: %w", err)
		}
		reading.Timestamp = reading.Timestamp.UTC()
		results = append(results, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: readings in range: %w", err)
	}
	return results, nil
}

var _ domain.ReadingSink = (*Store)(nil)
