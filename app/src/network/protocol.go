// Package network implements the ingestion wire protocol: one JSON
// reading per newline-delimited frame over a plain TCP stream, answered
// with a fixed acknowledgement token.
package network

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/shared/constants"
)

const (
	// Delimiter separates frames on the wire.
	Delimiter = '\n'
	// Ack is the fixed acknowledgement written back after each
	// successfully parsed frame.
	Ack = "ACK\n"
)

// wireFrame is the inbound payload shape. Both historical identifier
// spellings are accepted and resolve to the same field.
type wireFrame struct {
	Sensor    string `json:"sensor"`
	SensorID  string `json:"sensor_id"`
	Timestamp string `json:"timestamp"`
	Value     any    `json:"value"`
	Unit      string `json:"unit"`
}

// timestampFormats lists the accepted inbound layouts. Producers may
// omit the zone suffix.
var timestampFormats = []string{
	constants.TimeFormat,
	"2006-01-02T15:04:05",
}

// ParseFrame validates one frame and normalizes it into a Reading; now
// supplies the receipt time used when the producer sent no timestamp.
// Every failure is a ProtocolError contained to this frame.
func ParseFrame(data []byte, now time.Time) (domain.Reading, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return domain.Reading{}, &domain.ProtocolError{Reason: "invalid JSON", Err: err}
	}

	source := frame.Sensor
	if source == "" {
		source = frame.SensorID
	}
	if source == "" {
		return domain.Reading{}, &domain.ProtocolError{Reason: "missing sensor identifier"}
	}
	if frame.Unit == "" {
		return domain.Reading{}, &domain.ProtocolError{Reason: "missing unit"}
	}

	value, err := coerceValue(frame.Value)
	if err != nil {
		return domain.Reading{}, &domain.ProtocolError{Reason: "invalid value", Err: err}
	}

	timestamp := now
	if frame.Timestamp != "" {
		parsed, err := parseTimestamp(frame.Timestamp)
		if err != nil {
			return domain.Reading{}, &domain.ProtocolError{Reason: "invalid timestamp", Err: err}
		}
		timestamp = parsed
	}

	return domain.Reading{
		SourceID:  source,
		Timestamp: timestamp,
		Value:     value,
		Unit:      frame.Unit,
	}, nil
}

// coerceValue accepts a JSON number or a numeric string.
func coerceValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", v, err)
		}
		return parsed, nil
	case nil:
		return 0, fmt.Errorf("value is missing")
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampFormats {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// outboundFrame is the payload written by the ingestion client.
type outboundFrame struct {
	SensorID  string  `json:"sensor_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

// EncodeFrame serializes one reading as a delimiter-terminated frame.
func EncodeFrame(reading domain.Reading) ([]byte, error) {
	payload, err := json.Marshal(outboundFrame{
		SensorID:  reading.SourceID,
		Timestamp: reading.Timestamp.UTC().Format(constants.TimeFormat),
		Value:     reading.Value,
		Unit:      reading.Unit,
	})
	if err != nil {
		return nil, fmt.Errorf("network: encode frame: %w", err)
	}
	return append(payload, Delimiter), nil
}
