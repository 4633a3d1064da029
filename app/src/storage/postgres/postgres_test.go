package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
)

type fakeExecutor struct {
	mu      sync.Mutex
	inserts [][]any
	err     error
}

func (f *fakeExecutor) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if strings.Contains(query, "INSERT") {
		f.inserts = append(f.inserts, args)
	}
	return driver.RowsAffected(1), nil
}

func (f *fakeExecutor) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExecutor) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func testLogger() *infra.Logger {
	return infra.NewLogger(io.Discard, "postgres-test")
}

func testReading(source string, value float64) domain.Reading {
	return domain.Reading{
		SourceID:  source,
		Timestamp: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
		Value:     value,
		Unit:      "°C",
	}
}

func TestCloseDrainsPendingReadings(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	store := newStore(exec, nil, Config{BatchSize: 2, BatchTimeout: time.Minute, BufferSize: 8}, testLogger())
	store.start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.Add(ctx, testReading("t1", float64(i))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := exec.insertCount(); got != 5 {
		t.Fatalf("inserted %d readings, want 5", got)
	}
}

func TestPartialBatchFlushesOnTimeout(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	store := newStore(exec, nil, Config{BatchSize: 100, BatchTimeout: 20 * time.Millisecond, BufferSize: 8}, testLogger())
	store.start()
	defer store.Close()

	if err := store.Add(context.Background(), testReading("t1", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exec.insertCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("partial batch never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddAfterCloseFails(t *testing.T) {
	t.Parallel()

	store := newStore(&fakeExecutor{}, nil, Config{BatchSize: 1}, testLogger())
	store.start()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := store.Add(context.Background(), testReading("t1", 1))
	if !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWriteFailureDoesNotStopTheWriter(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{err: errors.New("connection reset")}
	store := newStore(exec, nil, Config{BatchSize: 1, BufferSize: 4}, testLogger())
	store.start()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Add(ctx, testReading("t1", float64(i))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
