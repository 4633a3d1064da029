package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
)

// ServerConfig contains the ingestion server settings.
type ServerConfig struct {
	Port int
	// PollTimeout bounds how long accept and per-connection reads block
	// before re-checking the stop flag. It is a shutdown-latency knob,
	// not a peer timeout.
	PollTimeout time.Duration
	// Clock supplies the receipt time for frames without a timestamp.
	Clock func() time.Time
}

// Server accepts producer connections and fans every validated reading
// out to the configured sinks in arrival order per connection.
type Server struct {
	cfg   ServerConfig
	log   *infra.Logger
	sinks []domain.ReadingSink

	listener *net.TCPListener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(cfg ServerConfig, logger *infra.Logger, sinks ...domain.ReadingSink) *Server {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		cfg:   cfg,
		log:   logger,
		sinks: sinks,
		stop:  make(chan struct{}),
	}
}

// Listen binds the ingestion port.
func (s *Server) Listen() error {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("network: listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = listener
	s.log.Infof(context.Background(), "ingestion server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Stop is called. Each accepted
// connection gets its own handler goroutine.
func (s *Server) Serve() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.cfg.PollTimeout))
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Errorf(context.Background(), "accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Stop signals the accept loop and every handler, then waits for them to
// notice. Shutdown is cooperative: in-flight handlers finish their
// current poll before exiting.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	infra.ConnOpened()
	defer infra.ConnClosed()

	ctx := infra.WithCorrelationID(context.Background(), uuid.NewString())
	s.log.Infof(ctx, "connection from %s", conn.RemoteAddr())

	var buffer []byte
	chunk := make([]byte, 1024)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PollTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			buffer = s.drainFrames(ctx, conn, buffer)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.log.Warnf(ctx, "read: %v", err)
			}
			return
		}
	}
}

// drainFrames extracts every complete frame from the receive buffer and
// returns the trailing partial message for the next read.
func (s *Server) drainFrames(ctx context.Context, conn net.Conn, buffer []byte) []byte {
	for {
		idx := bytes.IndexByte(buffer, Delimiter)
		if idx < 0 {
			return buffer
		}
		frame := buffer[:idx]
		buffer = buffer[idx+1:]
		s.handleFrame(ctx, conn, frame)
	}
}

// handleFrame parses one frame, fans the reading out to every sink and
// acknowledges it. A frame that fails validation is logged and dropped
// without an acknowledgement; the connection keeps going either way.
func (s *Server) handleFrame(ctx context.Context, conn net.Conn, frame []byte) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return
	}

	reading, err := ParseFrame(frame, s.cfg.Clock())
	if err != nil {
		infra.IncFrameError()
		s.log.Warnf(ctx, "rejected frame: %v", err)
		return
	}

	for _, sink := range s.sinks {
		if err := sink.Add(ctx, reading); err != nil {
			// Storage failures never tear down the ingestion path.
			infra.IncSinkError()
			s.log.Errorf(ctx, "sink failure for source %s: %v", reading.SourceID, err)
		}
	}
	infra.IncReading()

	if _, err := conn.Write([]byte(Ack)); err != nil {
		s.log.Warnf(ctx, "writing ack: %v", err)
		return
	}
	infra.IncAck()
}
