package logstore_test

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/logstore"
)

func testLogger() *infra.Logger {
	return infra.NewLogger(io.Discard, "logstore-test")
}

func reading(source string, ts time.Time, value float64) domain.Reading {
	return domain.Reading{SourceID: source, Timestamp: ts, Value: value, Unit: "°C"}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := logstore.New(logstore.Config{Directory: dir}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if err := store.LogReading(reading("t1", ts, 40.72)); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	rows := slices.Collect(store.QueryRange(ts.Add(-time.Minute), ts.Add(time.Minute), ""))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.SourceID != "t1" || got.Value != 40.72 || got.Unit != "°C" {
		t.Fatalf("unexpected row: %#v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestRotationAfterLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	store := logstore.New(logstore.Config{
		Directory:        dir,
		BufferSize:       1,
		RotateAfterLines: 3,
	}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		if err := store.LogReading(reading("t1", base.Add(time.Duration(i)*time.Second), float64(i))); err != nil {
			t.Fatalf("log r%d: %v", i, err)
		}
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	archives, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(archives))
	}

	records := readArchive(t, filepath.Join(archiveDir, archives[0].Name()))
	if len(records) != 4 {
		t.Fatalf("archive should hold header plus 3 rows, got %d records", len(records))
	}
	if records[0][0] != "timestamp" {
		t.Fatalf("archive is missing its header row: %q", records[0])
	}
	for i, want := range []string{"1", "2", "3"} {
		if records[i+1][2] != want {
			t.Fatalf("archive row %d value = %q, want %q", i, records[i+1][2], want)
		}
	}

	segment := readSegment(t, store.SegmentPath())
	if len(segment) != 2 {
		t.Fatalf("fresh segment should hold header plus 1 row, got %d records", len(segment))
	}
	if segment[1][2] != "4" {
		t.Fatalf("fresh segment row value = %q, want 4", segment[1][2])
	}
}

func TestLineCountRecoveredAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := logstore.Config{Directory: dir, BufferSize: 1, RotateAfterLines: 3}
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	store := logstore.New(cfg, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := store.LogReading(reading("t1", base.Add(time.Duration(i)*time.Second), float64(i))); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A restarted logger recovers the 2 existing rows, so one more
	// trips the line trigger.
	store = logstore.New(cfg, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := store.LogReading(reading("t1", base.Add(3*time.Second), 3)); err != nil {
		t.Fatalf("log after restart: %v", err)
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	archives, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected rotation after restart, got %d archives", len(archives))
	}

	records := readArchive(t, filepath.Join(dir, "archive", archives[0].Name()))
	if len(records) != 4 {
		t.Fatalf("archive should hold header plus 3 rows, got %d", len(records))
	}
}

func TestReopenRetriedAfterRotationFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := logstore.New(logstore.Config{
		Directory:        dir,
		BufferSize:       1,
		RotateAfterLines: 2,
	}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if err := store.LogReading(reading("t1", base, 1)); err != nil {
		t.Fatalf("log r1: %v", err)
	}

	// Pull the log directory out from under the logger so the rotation
	// triggered by r2 cannot reopen a fresh segment.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove log dir: %v", err)
	}
	if err := store.LogReading(reading("t1", base.Add(time.Second), 2)); err == nil {
		t.Fatal("expected the rotation reopen to fail")
	}

	// Once the directory is back the next append recovers instead of
	// reporting the logger closed forever.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("restore log dir: %v", err)
	}
	if err := store.LogReading(reading("t1", base.Add(2*time.Second), 3)); err != nil {
		t.Fatalf("log after recovery: %v", err)
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	segment := readSegment(t, store.SegmentPath())
	if len(segment) != 2 {
		t.Fatalf("recovered segment should hold header plus 1 row, got %d records", len(segment))
	}
	if segment[1][2] != "3" {
		t.Fatalf("recovered segment row value = %q, want 3", segment[1][2])
	}
}

func TestExplicitFlushEvaluatesTimeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	store := logstore.New(logstore.Config{
		Directory:   dir,
		BufferSize:  100,
		RotateEvery: time.Hour,
		Clock:       func() time.Time { return now },
	}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer store.Stop()

	if err := store.LogReading(reading("t1", now, 1)); err != nil {
		t.Fatalf("log: %v", err)
	}

	// The batch never fills, so only the explicit flush can notice that
	// the rotation interval has long elapsed.
	now = now.Add(2 * time.Hour)
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	archives, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected the elapsed-time trigger to rotate, got %d archives", len(archives))
	}

	records := readArchive(t, filepath.Join(archiveDir, archives[0].Name()))
	if len(records) != 2 {
		t.Fatalf("archive should hold header plus 1 row, got %d records", len(records))
	}

	segment := readSegment(t, store.SegmentPath())
	if len(segment) != 1 {
		t.Fatalf("fresh segment should hold only its header, got %d records", len(segment))
	}
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	store := logstore.New(logstore.Config{
		Directory:     dir,
		RetentionDays: 30,
		Clock:         func() time.Time { return now },
	}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer store.Stop()

	expired := archiveName(now.AddDate(0, 0, -31))
	kept := archiveName(now.AddDate(0, 0, -29))
	writeArchive(t, filepath.Join(archiveDir, expired))
	writeArchive(t, filepath.Join(archiveDir, kept))
	// No timestamp in the name: retention falls back to mtime, which is
	// fresh, so the entry survives.
	writeArchive(t, filepath.Join(archiveDir, "telemetry-legacy.csv.gz"))

	if removed := store.DeleteExpiredArchives(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(filepath.Join(archiveDir, expired)); !os.IsNotExist(err) {
		t.Fatalf("expired archive still present (err=%v)", err)
	}
	for _, name := range []string{kept, "telemetry-legacy.csv.gz"} {
		if _, err := os.Stat(filepath.Join(archiveDir, name)); err != nil {
			t.Fatalf("archive %s should have been retained: %v", name, err)
		}
	}
}

func TestQuerySkipsMalformedRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := logstore.New(logstore.Config{Directory: dir}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if err := store.LogReading(reading("t1", ts, 1)); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := store.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	f, err := os.OpenFile(store.SegmentPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString("not-a-timestamp,t1,2,°C\n"); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	rows := slices.Collect(store.QueryRange(ts.Add(-time.Hour), ts.Add(time.Hour), ""))
	if len(rows) != 1 {
		t.Fatalf("expected the malformed row to be skipped, got %d rows", len(rows))
	}
}

func TestQuerySourceFilterAndLaziness(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := logstore.New(logstore.Config{Directory: dir}, testLogger())
	if err := store.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer store.Stop()

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		source := "t1"
		if i%2 == 1 {
			source = "t2"
		}
		if err := store.LogReading(reading(source, ts.Add(time.Duration(i)*time.Second), float64(i))); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	seq := store.QueryRange(ts, ts.Add(time.Hour), "t1")

	rows := slices.Collect(seq)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for t1, got %d", len(rows))
	}

	// Early break stops the scan; re-ranging restarts it from scratch.
	var first []domain.Reading
	for r := range seq {
		first = append(first, r)
		break
	}
	if len(first) != 1 || first[0].Value != rows[0].Value {
		t.Fatalf("restarted sequence should yield the first row again, got %#v", first)
	}
}

func archiveName(stamp time.Time) string {
	return "telemetry_" + stamp.UTC().Format("20060102150405") + ".csv.gz"
}

func writeArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte("timestamp,source_id,value,unit\n")); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func readArchive(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader %s: %v", path, err)
	}
	defer gz.Close()

	records, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatalf("read archive csv %s: %v", path, err)
	}
	return records
}

func readSegment(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment %s: %v", path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read segment csv %s: %v", path, err)
	}
	return records
}
