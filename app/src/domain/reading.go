package domain

import "time"

// Reading is one immutable telemetry observation pushed by a producer.
// The timestamp is producer-supplied when present on the wire, otherwise
// the receipt time assigned by the ingestion server.
type Reading struct {
	SourceID  string
	Timestamp time.Time
	Value     float64
	Unit      string
}
