package network_test

import (
	"errors"
	"testing"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/network"
)

func TestParseFrameAcceptsBothIdentifierSpellings(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	for _, payload := range []string{
		`{"sensor": "t1", "value": 40.72, "unit": "°C"}`,
		`{"sensor_id": "t1", "value": 40.72, "unit": "°C"}`,
	} {
		reading, err := network.ParseFrame([]byte(payload), now)
		if err != nil {
			t.Fatalf("parse %s: %v", payload, err)
		}
		if reading.SourceID != "t1" {
			t.Fatalf("source = %q, want t1", reading.SourceID)
		}
		if reading.Value != 40.72 || reading.Unit != "°C" {
			t.Fatalf("unexpected reading: %#v", reading)
		}
	}
}

func TestParseFrameCoercesStringValue(t *testing.T) {
	t.Parallel()

	reading, err := network.ParseFrame([]byte(`{"sensor":"t1","value":"41.5","unit":"%"}`), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.Value != 41.5 {
		t.Fatalf("value = %v, want 41.5", reading.Value)
	}
}

func TestParseFrameUsesReceiptTimeWhenAbsent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	reading, err := network.ParseFrame([]byte(`{"sensor":"t1","value":1,"unit":"lux"}`), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reading.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want receipt time %v", reading.Timestamp, now)
	}
}

func TestParseFrameAcceptsZonelessTimestamp(t *testing.T) {
	t.Parallel()

	reading, err := network.ParseFrame(
		[]byte(`{"sensor":"t1","timestamp":"2026-08-23T11:30:00","value":1,"unit":"hPa"}`),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 8, 23, 11, 30, 0, 0, time.UTC)
	if !reading.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", reading.Timestamp, want)
	}
}

func TestParseFrameRejections(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid JSON":       `{"sensor": "t1", "value":`,
		"missing identifier": `{"value": 1, "unit": "°C"}`,
		"missing unit":       `{"sensor": "t1", "value": 1}`,
		"missing value":      `{"sensor": "t1", "unit": "°C"}`,
		"bad value type":     `{"sensor": "t1", "value": true, "unit": "°C"}`,
		"bad timestamp":      `{"sensor": "t1", "timestamp": "yesterday", "value": 1, "unit": "°C"}`,
	}

	for name, payload := range cases {
		if _, err := network.ParseFrame([]byte(payload), time.Now()); err == nil {
			t.Fatalf("%s: expected an error", name)
		} else {
			var protoErr *domain.ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("%s: expected ProtocolError, got %T", name, err)
			}
		}
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	t.Parallel()

	want := domain.Reading{
		SourceID:  "t1",
		Timestamp: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
		Value:     40.72,
		Unit:      "°C",
	}

	frame, err := network.EncodeFrame(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame[len(frame)-1] != network.Delimiter {
		t.Fatal("frame is not delimiter-terminated")
	}

	got, err := network.ParseFrame(frame[:len(frame)-1], time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.SourceID != want.SourceID || got.Value != want.Value || got.Unit != want.Unit {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
}
