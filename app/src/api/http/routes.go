package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/shared/constants"
)

const (
	querySensor = "sensor"
	queryWindow = "n"
	queryFrom   = "from"
	queryTo     = "to"
)

// handler contains the HTTP handlers and shared dependencies for the REST API.
type handler struct {
	history domain.HistoryReader
	querier domain.RangeQuerier
	logger  *infra.Logger
}

func registerRoutes(mux *http.ServeMux, h *handler) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /sources", h.handleSources)
	mux.HandleFunc("GET /latest", h.handleLatest)
	mux.HandleFunc("GET /average", h.handleAverage)
	mux.HandleFunc("GET /query", h.handleQuery)
}

type readingResponse struct {
	SourceID  string  `json:"source_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

type averageResponse struct {
	SourceID string  `json:"source_id"`
	Window   int     `json:"window"`
	Average  float64 `json:"average"`
}

type sourcesResponse struct {
	Sources []string `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *handler) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := h.history.Sources()
	if sources == nil {
		sources = []string{}
	}
	h.writeJSON(w, http.StatusOK, sourcesResponse{Sources: sources})
}

func (h *handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	sensor := r.URL.Query().Get(querySensor)
	if sensor == "" {
		h.writeError(w, http.StatusBadRequest, "missing sensor parameter")
		return
	}

	reading, ok := h.history.Latest(sensor)
	if !ok {
		h.respondLookupError(w, fmt.Errorf("latest for %s: %w", sensor, domain.ErrNotFound))
		return
	}

	h.writeJSON(w, http.StatusOK, toHTTPResponse(reading))
}

func (h *handler) handleAverage(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	sensor := params.Get(querySensor)
	if sensor == "" {
		h.writeError(w, http.StatusBadRequest, "missing sensor parameter")
		return
	}

	window, err := strconv.Atoi(params.Get(queryWindow))
	if err != nil || window <= 0 {
		h.writeError(w, http.StatusBadRequest, "n must be a positive integer")
		return
	}

	average, ok := h.history.WindowedAverage(sensor, window)
	if !ok {
		h.respondLookupError(w, fmt.Errorf("average for %s: %w", sensor, domain.ErrNotFound))
		return
	}

	h.writeJSON(w, http.StatusOK, averageResponse{
		SourceID: sensor,
		Window:   window,
		Average:  average,
	})
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	fromParam := params.Get(queryFrom)
	toParam := params.Get(queryTo)
	if fromParam == "" || toParam == "" {
		h.writeError(w, http.StatusBadRequest, "both from and to parameters are required")
		return
	}

	from, err := parseQueryTime(fromParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}

	to, err := parseQueryTime(toParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}

	if from.After(to) {
		h.writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	payload := []readingResponse{}
	for reading := range h.querier.QueryRange(from, to, params.Get(querySensor)) {
		payload = append(payload, toHTTPResponse(reading))
	}

	h.writeJSON(w, http.StatusOK, payload)
}

func (h *handler) respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "no readings for sensor")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: status})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parseQueryTime accepts the wire timestamp format with or without a
// zone suffix, matching what producers send.
func parseQueryTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(constants.TimeFormat, raw)
	if err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02T15:04:05", raw)
}

func toHTTPResponse(reading domain.Reading) readingResponse {
	return readingResponse{
		SourceID:  reading.SourceID,
		Timestamp: reading.Timestamp.UTC().Format(constants.TimeFormat),
		Value:     reading.Value,
		Unit:      reading.Unit,
	}
}
