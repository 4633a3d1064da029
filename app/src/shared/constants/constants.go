package constants

import "time"

const (
	// TimeFormat defines the canonical timestamp format used across
	// transports and in persisted segment rows.
	TimeFormat = time.RFC3339Nano

	// ArchiveTimeFormat is the compact rotation timestamp embedded in
	// archive filenames.
	ArchiveTimeFormat = "20060102150405"
)
