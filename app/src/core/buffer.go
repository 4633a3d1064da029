package core

import (
	"context"
	"sort"
	"sync"

	"telemetry-service/app/src/domain"
)

// DefaultHistoryCap bounds per-source histories when no capacity is configured.
const DefaultHistoryCap = 100

// Buffer keeps a bounded rolling view of the most recent readings per
// source for live inspection. Histories are independent so concurrent
// producers publishing distinct sources never contend on one lock.
type Buffer struct {
	capacity int

	mu        sync.RWMutex
	histories map[string]*history
}

// history is a fixed-capacity ring of readings for one source, oldest
// evicted first. All access goes through its own mutex.
type history struct {
	mu       sync.Mutex
	readings []domain.Reading
	start    int
	count    int
}

// NewBuffer creates a live buffer whose per-source histories hold at most
// capacity readings.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &Buffer{
		capacity:  capacity,
		histories: make(map[string]*history),
	}
}

// Add appends a reading to its source's history, evicting the oldest
// entry once the capacity is reached. It never fails: malformed readings
// are rejected at the protocol boundary before reaching the buffer.
func (b *Buffer) Add(_ context.Context, reading domain.Reading) error {
	h := b.historyFor(reading.SourceID)

	h.mu.Lock()
	h.readings[(h.start+h.count)%cap(h.readings)] = reading
	if h.count < cap(h.readings) {
		h.count++
	} else {
		h.start = (h.start + 1) % cap(h.readings)
	}
	h.mu.Unlock()

	return nil
}

// Latest returns the most recently appended reading for the source.
func (b *Buffer) Latest(sourceID string) (domain.Reading, bool) {
	h := b.lookup(sourceID)
	if h == nil {
		return domain.Reading{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return domain.Reading{}, false
	}
	return h.readings[(h.start+h.count-1)%cap(h.readings)], true
}

// WindowedAverage returns the arithmetic mean of the last n values for
// the source, or of the whole history when it is shorter than n.
func (b *Buffer) WindowedAverage(sourceID string, n int) (float64, bool) {
	if n <= 0 {
		return 0, false
	}

	h := b.lookup(sourceID)
	if h == nil {
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return 0, false
	}

	window := n
	if window > h.count {
		window = h.count
	}

	var sum float64
	for i := h.count - window; i < h.count; i++ {
		sum += h.readings[(h.start+i)%cap(h.readings)].Value
	}
	return sum / float64(window), true
}

// History returns a copy of the source's stored readings in arrival order.
func (b *Buffer) History(sourceID string) []domain.Reading {
	h := b.lookup(sourceID)
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.Reading, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.readings[(h.start+i)%cap(h.readings)]
	}
	return out
}

// Sources lists every source that has published at least one reading.
func (b *Buffer) Sources() []string {
	b.mu.RLock()
	sources := make([]string, 0, len(b.histories))
	for id := range b.histories {
		sources = append(sources, id)
	}
	b.mu.RUnlock()

	sort.Strings(sources)
	return sources
}

func (b *Buffer) lookup(sourceID string) *history {
	b.mu.RLock()
	h := b.histories[sourceID]
	b.mu.RUnlock()
	return h
}

func (b *Buffer) historyFor(sourceID string) *history {
	if h := b.lookup(sourceID); h != nil {
		return h
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.histories[sourceID]; ok {
		return h
	}
	h := &history{readings: make([]domain.Reading, b.capacity)}
	b.histories[sourceID] = h
	return h
}

var _ domain.ReadingSink = (*Buffer)(nil)
var _ domain.HistoryReader = (*Buffer)(nil)
