package network

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
)

// ClientConfig contains the ingestion client settings.
type ClientConfig struct {
	Host string
	Port int
	// Timeout bounds the dial, the frame write and the blocking
	// acknowledgement read.
	Timeout time.Duration
	// Retries is the number of connect attempts before giving up.
	Retries int
	// RetryDelay is the fixed pause between connect attempts.
	RetryDelay time.Duration
}

// Client maintains one outbound ingestion session. It runs on its
// caller's goroutine and blocks on connect, send and the ack read.
type Client struct {
	cfg  ClientConfig
	log  *infra.Logger
	conn net.Conn
}

func NewClient(cfg ClientConfig, logger *infra.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = infra.DefaultClientHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = infra.DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{cfg: cfg, log: logger}
}

// Connect establishes the session, retrying with a fixed delay. It
// reports ErrConnection only after every attempt is exhausted.
func (c *Client) Connect() error {
	ctx := context.Background()
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, c.cfg.Timeout)
		if err == nil {
			c.conn = conn
			return nil
		}
		c.log.Warnf(ctx, "[%d/%d] connection to %s failed: %v", attempt, c.cfg.Retries, addr, err)
		if attempt < c.cfg.Retries {
			time.Sleep(c.cfg.RetryDelay)
		}
	}
	return fmt.Errorf("network: %w: %s after %d attempts", domain.ErrConnection, addr, c.cfg.Retries)
}

// Send writes one frame and blocks on the acknowledgement read up to the
// configured timeout. Any socket error or timeout is reported to the
// caller without retrying; the retry policy, if any, belongs to the
// caller.
func (c *Client) Send(reading domain.Reading) error {
	if c.conn == nil {
		return fmt.Errorf("network: not connected, call Connect first")
	}

	frame, err := EncodeFrame(reading)
	if err != nil {
		return err
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("network: send: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	buf := make([]byte, 16)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("network: await ack: %w", err)
	}
	if !bytes.HasPrefix(buf[:n], []byte("ACK")) {
		return fmt.Errorf("network: unexpected response %q", buf[:n])
	}
	return nil
}

// Close shuts the session down gracefully: half-close first so the peer
// sees EOF, then close, tolerating a peer that already hung up.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
