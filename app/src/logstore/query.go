package logstore

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/shared/constants"
)

// QueryRange yields every persisted row whose timestamp falls within
// [from, to] inclusive, matching sourceID when one is given. It scans the
// live segment files and then every archive entry. Malformed rows are
// skipped with a warning; a corrupt archive skips only that archive. The
// scan runs fresh on each iteration of the returned sequence.
func (l *Logger) QueryRange(from, to time.Time, sourceID string) iter.Seq[domain.Reading] {
	return func(yield func(domain.Reading) bool) {
		if err := l.Flush(); err != nil {
			l.log.Warnf(context.Background(), "flush before range query: %v", err)
		}

		for _, path := range listFiles(l.cfg.Directory) {
			if !l.scanSegment(path, from, to, sourceID, yield) {
				return
			}
		}
		for _, path := range listFiles(l.cfg.ArchiveDirectory) {
			if !l.scanSegment(path, from, to, sourceID, yield) {
				return
			}
		}
	}
}

// listFiles returns the regular files of dir in lexical order. A missing
// directory yields nothing.
func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths
}

// scanSegment streams one segment or archive file through yield. It
// returns false only when the consumer stopped the iteration.
func (l *Logger) scanSegment(path string, from, to time.Time, sourceID string, yield func(domain.Reading) bool) bool {
	ctx := context.Background()

	f, err := os.Open(path)
	if err != nil {
		l.log.Warnf(ctx, "opening %s for range query: %v", path, err)
		return true
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			l.log.Warnf(ctx, "corrupt archive %s, skipping: %v", path, err)
			return true
		}
		defer gz.Close()
		src = gz
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				l.log.Warnf(ctx, "malformed row in %s: %v", path, err)
				continue
			}
			// A decompression or read failure repeats forever; give
			// up on this file instead.
			l.log.Warnf(ctx, "reading %s: %v", path, err)
			return true
		}

		reading, ok := l.parseRow(ctx, path, record)
		if !ok {
			continue
		}
		if reading.Timestamp.Before(from) || reading.Timestamp.After(to) {
			continue
		}
		if sourceID != "" && reading.SourceID != sourceID {
			continue
		}
		if !yield(reading) {
			return false
		}
	}
}

func (l *Logger) parseRow(ctx context.Context, path string, record []string) (domain.Reading, bool) {
	if len(record) < 4 {
		l.log.Warnf(ctx, "short row in %s: %q", path, record)
		return domain.Reading{}, false
	}
	if record[0] == header[0] {
		// Header row.
		return domain.Reading{}, false
	}

	timestamp, err := time.Parse(constants.TimeFormat, record[0])
	if err != nil {
		l.log.Warnf(ctx, "row with unparsable timestamp in %s: %q", path, record[0])
		return domain.Reading{}, false
	}
	value, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		l.log.Warnf(ctx, "row with unparsable value in %s: %q", path, record[2])
		return domain.Reading{}, false
	}

	return domain.Reading{
		SourceID:  record[1],
		Timestamp: timestamp,
		Value:     value,
		Unit:      record[3],
	}, true
}

var _ domain.RangeQuerier = (*Logger)(nil)
