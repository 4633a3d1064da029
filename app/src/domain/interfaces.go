package domain

import (
	"context"
	"iter"
	"time"
)

// ReadingSink consumes readings accepted by the ingestion server. Every
// validated frame is fanned out to all configured sinks in arrival order.
type ReadingSink interface {
	Add(ctx context.Context, reading Reading) error
}

// HistoryReader exposes the live buffer queries used by the HTTP transport.
type HistoryReader interface {
	Latest(sourceID string) (Reading, bool)
	WindowedAverage(sourceID string, n int) (float64, bool)
	Sources() []string
}

// RangeQuerier yields persisted readings whose timestamp falls within
// [from, to] inclusive. An empty sourceID matches every source. The
// sequence is lazy and restartable: ranging over it again rescans the
// underlying storage.
type RangeQuerier interface {
	QueryRange(from, to time.Time, sourceID string) iter.Seq[Reading]
}
