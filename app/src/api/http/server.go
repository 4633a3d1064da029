package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
)

// Server exposes the HTTP read surface for the telemetry application.
type Server struct {
	handler http.Handler
	logger  *infra.Logger
	httpSrv *http.Server
}

// NewServer constructs an HTTP server over the live history and the
// durable range querier.
func NewServer(history domain.HistoryReader, querier domain.RangeQuerier, logger *infra.Logger) *Server {
	mux := http.NewServeMux()
	h := &handler{history: history, querier: querier, logger: logger}
	registerRoutes(mux, h)

	return &Server{
		handler: infra.HTTPMiddleware(mux),
		logger:  logger,
	}
}

// Router returns the configured HTTP handler for reuse in tests or
// external HTTP servers.
func (s *Server) Router() http.Handler {
	return s.handler
}

// ServeHTTP allows Server to satisfy the http.Handler interface directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start serves the API on the given port in a background goroutine.
func (s *Server) Start(port string) {
	s.httpSrv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Infof(context.Background(), "http server listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf(context.Background(), "http server error: %v", err)
		}
	}()
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
