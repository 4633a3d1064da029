// Package logstore persists readings into time/size/line-rotated,
// compressed, retention-managed segment files and answers range queries
// spanning the open segment and every archive.
package logstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/shared/constants"
)

var header = []string{"timestamp", "source_id", "value", "unit"}

// Config contains the durable logger settings.
type Config struct {
	// Directory holds live (unrotated) segment files.
	Directory string
	// ArchiveDirectory holds compressed rotated segments. Defaults to
	// Directory/archive.
	ArchiveDirectory string
	// FilenamePattern is a time layout evaluated against the wall clock
	// to derive the open segment's filename.
	FilenamePattern string
	// BufferSize determines how many rows are batched before a flush.
	BufferSize int
	// RotateEvery rotates the segment once this much time has elapsed
	// since the last rotation.
	RotateEvery time.Duration
	// MaxSizeBytes rotates the segment once the file reaches this size.
	MaxSizeBytes int64
	// RotateAfterLines rotates the segment once it holds this many rows.
	// Zero disables the line trigger.
	RotateAfterLines int
	// RetentionDays bounds the age of archive entries.
	RetentionDays int
	// Clock supplies the current instant; injectable for tests.
	Clock func() time.Time
}

// Logger is the durable rotating logger. The mutex spans batch append,
// flush, rotation-trigger evaluation and the rotation sequence itself, so
// concurrent writers can never interleave a flush with a rotation.
type Logger struct {
	cfg Config
	log *infra.Logger

	mu           sync.Mutex
	file         *os.File
	path         string
	lineCount    int
	lastRotation time.Time
	batch        []domain.Reading
	started      bool
	closed       bool
}

// New creates a durable logger. Start must be called before logging.
func New(cfg Config, logger *infra.Logger) *Logger {
	if cfg.ArchiveDirectory == "" {
		cfg.ArchiveDirectory = filepath.Join(cfg.Directory, "archive")
	}
	if cfg.FilenamePattern == "" {
		cfg.FilenamePattern = infra.DefaultFilenamePattern
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = infra.DefaultBufferSize
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = time.Duration(infra.DefaultRotateEveryHours) * time.Hour
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = int64(infra.DefaultMaxSizeMB) << 20
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = infra.DefaultRetentionDays
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Logger{cfg: cfg, log: logger}
}

// Start opens the segment derived from the filename pattern, creating it
// with a header row when absent. For a pre-existing segment the header is
// not rewritten and the line count is recovered from the file contents.
func (l *Logger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("logstore: already started")
	}
	if err := os.MkdirAll(l.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("logstore: create log directory: %w", err)
	}
	if err := os.MkdirAll(l.cfg.ArchiveDirectory, 0o755); err != nil {
		return fmt.Errorf("logstore: create archive directory: %w", err)
	}

	now := l.cfg.Clock()
	if err := l.openLocked(now); err != nil {
		return err
	}

	l.started = true
	l.closed = false
	l.lastRotation = now
	return nil
}

// openLocked opens (or creates) the segment for the given instant and
// recovers the line counter.
func (l *Logger) openLocked(now time.Time) error {
	path := filepath.Join(l.cfg.Directory, now.Format(l.cfg.FilenamePattern))

	lines, err := countDataLines(path)
	switch {
	case err == nil:
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logstore: reopen segment: %w", err)
		}
		l.file = file
		l.lineCount = lines
	case os.IsNotExist(err):
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("logstore: create segment: %w", err)
		}
		w := csv.NewWriter(file)
		_ = w.Write(header)
		w.Flush()
		if err := w.Error(); err != nil {
			file.Close()
			return fmt.Errorf("logstore: write header: %w", err)
		}
		l.file = file
		l.lineCount = 0
	default:
		return fmt.Errorf("logstore: inspect segment: %w", err)
	}

	l.path = path
	return nil
}

// countDataLines returns the number of non-empty lines minus the header.
func countDataLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	lines := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines++
		}
	}
	if lines > 0 {
		lines--
	}
	return lines, nil
}

// Add satisfies the ReadingSink contract for the ingestion fan-out.
func (l *Logger) Add(_ context.Context, reading domain.Reading) error {
	return l.LogReading(reading)
}

// LogReading appends a row to the in-memory batch. Reaching the
// configured batch size triggers a flush; rotation is evaluated only
// after a successful flush, so the triggering row is durable in either
// the old or the new segment, never lost.
func (l *Logger) LogReading(reading domain.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.closed {
		return fmt.Errorf("logstore: %w", domain.ErrClosed)
	}

	l.batch = append(l.batch, reading)
	if len(l.batch) < l.cfg.BufferSize {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.maybeRotateLocked()
}

// Flush writes the pending batch to the open segment and then evaluates
// the rotation triggers, so time and size rotation cannot be starved
// under low traffic. Idempotent when the batch is empty.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.closed {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.maybeRotateLocked()
}

func (l *Logger) flushLocked() error {
	if len(l.batch) == 0 {
		return nil
	}

	// A failed reopen after rotation leaves no open segment; retry it
	// here so a transient filesystem failure only degrades durability
	// until the next flush instead of halting it for good.
	if l.file == nil {
		if err := l.openLocked(l.cfg.Clock()); err != nil {
			return err
		}
	}

	start := time.Now()
	w := csv.NewWriter(l.file)
	for _, reading := range l.batch {
		_ = w.Write(rowOf(reading))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		// Rows stay batched so the next flush retries them.
		l.log.Errorf(context.Background(), "flush of %d rows failed: %v", len(l.batch), err)
		return fmt.Errorf("logstore: flush: %w", err)
	}

	rows := len(l.batch)
	l.lineCount += rows
	l.batch = l.batch[:0]
	infra.RecordFlush(rows, time.Since(start))
	return nil
}

func rowOf(reading domain.Reading) []string {
	return []string{
		reading.Timestamp.UTC().Format(constants.TimeFormat),
		reading.SourceID,
		strconv.FormatFloat(reading.Value, 'g', -1, 64),
		reading.Unit,
	}
}

// maybeRotateLocked evaluates the rotation triggers. Called with the
// batch already flushed.
func (l *Logger) maybeRotateLocked() error {
	if l.file == nil {
		return nil
	}
	now := l.cfg.Clock()
	if !l.rotationDue(now) {
		return nil
	}
	return l.rotateLocked(now)
}

func (l *Logger) rotationDue(now time.Time) bool {
	if now.Sub(l.lastRotation) >= l.cfg.RotateEvery {
		return true
	}
	if fi, err := l.file.Stat(); err == nil && fi.Size() >= l.cfg.MaxSizeBytes {
		return true
	}
	if l.cfg.RotateAfterLines > 0 && l.lineCount >= l.cfg.RotateAfterLines {
		return true
	}
	return false
}

// rotateLocked closes the open segment, archives it and opens a fresh
// one. Archiving failures leave the segment wherever the move got to;
// they never fail the rotation itself.
func (l *Logger) rotateLocked(now time.Time) error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		l.log.Warnf(context.Background(), "closing segment %s: %v", l.path, err)
	}

	l.archive(now)

	if err := l.openLocked(now); err != nil {
		// Degraded: rows keep accumulating in the batch and the next
		// flush retries the open.
		l.log.Errorf(context.Background(), "reopening segment after rotation: %v", err)
		l.file = nil
		l.lastRotation = now
		l.lineCount = 0
		return err
	}

	l.lastRotation = now
	l.lineCount = 0
	infra.IncRotation()
	l.log.Infof(context.Background(), "rotated segment into %s", l.cfg.ArchiveDirectory)
	return nil
}

// archive moves the closed segment into the archive directory under a
// name carrying the rotation instant, compresses it and deletes the
// uncompressed intermediate. Best effort throughout.
func (l *Logger) archive(now time.Time) {
	ctx := context.Background()

	base := filepath.Base(l.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	archived := filepath.Join(
		l.cfg.ArchiveDirectory,
		fmt.Sprintf("%s_%s%s", stem, now.UTC().Format(constants.ArchiveTimeFormat), ext),
	)

	if err := os.Rename(l.path, archived); err != nil {
		if os.IsNotExist(err) {
			l.log.Warnf(ctx, "segment %s vanished before archiving, skipping", l.path)
			return
		}
		l.log.Errorf(ctx, "moving segment %s to archive: %v", l.path, err)
		return
	}

	if err := compressFile(archived, archived+".gz"); err != nil {
		l.log.Errorf(ctx, "compressing archive %s: %v", archived, err)
		return
	}
	if err := os.Remove(archived); err != nil {
		l.log.Warnf(ctx, "removing uncompressed archive %s: %v", archived, err)
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Stop flushes and closes the open segment without rotating it.
func (l *Logger) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.closed {
		return nil
	}
	flushErr := l.flushLocked()
	var closeErr error
	if l.file != nil {
		closeErr = l.file.Close()
	}
	l.closed = true

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("logstore: close segment: %w", closeErr)
	}
	return nil
}

// DeleteExpiredArchives removes every archive entry older than the
// retention horizon and reports how many were deleted. The entry's age
// comes from the rotation timestamp in its filename, falling back to the
// file modification time when the name does not carry one.
func (l *Logger) DeleteExpiredArchives() int {
	ctx := context.Background()
	cutoff := l.cfg.Clock().UTC().AddDate(0, 0, -l.cfg.RetentionDays)

	entries, err := os.ReadDir(l.cfg.ArchiveDirectory)
	if err != nil {
		l.log.Errorf(ctx, "listing archive directory: %v", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		stamp, ok := archiveTimestamp(entry.Name())
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			stamp = info.ModTime().UTC()
		}
		if !stamp.Before(cutoff) {
			continue
		}

		path := filepath.Join(l.cfg.ArchiveDirectory, entry.Name())
		if err := os.Remove(path); err != nil {
			l.log.Errorf(ctx, "deleting expired archive %s: %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		l.log.Infof(ctx, "retention sweep deleted %d archive(s)", removed)
	}
	infra.AddArchivesDeleted(removed)
	return removed
}

// archiveTimestamp extracts the rotation instant from an archive
// filename of the form <stem>_<YYYYMMDDHHMMSS>.csv[.gz].
func archiveTimestamp(name string) (time.Time, bool) {
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, filepath.Ext(name))

	idx := strings.LastIndexByte(name, '_')
	if idx < 0 {
		return time.Time{}, false
	}
	stamp, err := time.Parse(constants.ArchiveTimeFormat, name[idx+1:])
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

// RunRetention sweeps expired archives on the given interval until the
// context is cancelled.
func (l *Logger) RunRetention(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.DeleteExpiredArchives()
		}
	}
}

// SegmentPath returns the path of the currently open segment.
func (l *Logger) SegmentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

var _ domain.ReadingSink = (*Logger)(nil)
