// Package device talks to the ESP32 climate loggers over UDP.
//
// A poll is one send-then-receive cycle: the handshake datagram goes out, the
// logger answers with a frame that may span several datagrams, and an
// acknowledgment is sent back once the frame checks out.
package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"climalog/internal/metrics"
	"climalog/internal/modules/climate/types"
)

const (
	DefaultChunkSize   = 64 * 1024
	DefaultMaxChunks   = 8
	DefaultReadTimeout = 5 * time.Second
	DefaultHandshake   = "Hello ESP32"
	DefaultAck         = "Received data"
)

type Endpoint struct {
	Source types.Source
	Addr   string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", e.Source, e.Addr)
}

type Config struct {
	Handshake   string
	Ack         string
	ReadTimeout time.Duration
	ChunkSize   int
	MaxChunks   int
	Retry       RetryPolicy

	// Complete reports whether the bytes read so far hold a whole frame.
	// Nil means the first datagram is the frame.
	Complete func([]byte) bool
	// Verify gates the acknowledgment. Nil acknowledges every frame.
	Verify func([]byte) error

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Handshake == "" {
		c.Handshake = DefaultHandshake
	}
	if c.Ack == "" {
		c.Ack = DefaultAck
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout must be positive, got %v", c.ReadTimeout)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxChunks == 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.MaxChunks < 0 {
		return fmt.Errorf("max chunks must be positive, got %d", c.MaxChunks)
	}
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = BackoffFixed
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Session fetches frames from loggers. It holds no per-device state, so one
// Session serves every endpoint concurrently.
type Session struct {
	cfg    Config
	log    *slog.Logger
	dialer net.Dialer
}

func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("device session: %w", err)
	}
	return &Session{
		cfg: cfg,
		log: cfg.Logger.With("component", "session"),
	}, nil
}

func (s *Session) Policy() RetryPolicy {
	return s.cfg.Retry
}

// Fetch polls ep until it returns a complete frame, the retry policy gives up
// (*TimeoutError), or ctx is done (ctx's error). Every attempt runs on its own
// socket, so a datagram that arrives late for one attempt is never read by the
// next.
func (s *Session) Fetch(ctx context.Context, ep Endpoint) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := s.log.With("source", string(ep.Source), "addr", ep.Addr)

	var attempts uint
	op := func() ([]byte, error) {
		attempts++
		raw, err := s.attempt(ctx, ep, log)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, backoff.Permanent(ctxErr)
			}
			metrics.FetchAttempts.WithLabelValues(string(ep.Source), metrics.ResultError).Inc()
			return nil, err
		}
		metrics.FetchAttempts.WithLabelValues(string(ep.Source), metrics.ResultOK).Inc()
		return raw, nil
	}
	notify := func(err error, next time.Duration) {
		log.Debug("fetch attempt failed, retrying", "attempt", attempts, "next", next, "error", err)
	}

	raw, err := backoff.Retry(ctx, op, s.cfg.Retry.options(notify)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TimeoutError{Endpoint: ep, Attempts: attempts, Err: err}
	}
	log.Debug("frame received", "attempts", attempts, "bytes", len(raw))
	return raw, nil
}

// attempt is one send-then-receive cycle on a fresh socket. The frame is
// acknowledged on the same socket before it is closed.
func (s *Session) attempt(ctx context.Context, ep Endpoint, log *slog.Logger) ([]byte, error) {
	conn, err := s.dialer.DialContext(ctx, "udp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock a pending read as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(s.cfg.Handshake)); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var frame bytes.Buffer
	buf := make([]byte, s.cfg.ChunkSize)
	for range s.cfg.MaxChunks {
		if err := conn.SetReadDeadline(s.deadline(ctx)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		// AfterFunc may have fired before the deadline above replaced its own.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		frame.Write(buf[:n])

		if s.cfg.Complete == nil || s.cfg.Complete(frame.Bytes()) {
			raw := frame.Bytes()
			s.ack(conn, ep, raw, log)
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w after %d chunks (%d bytes)", errIncomplete, s.cfg.MaxChunks, frame.Len())
}

func (s *Session) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(s.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (s *Session) ack(conn net.Conn, ep Endpoint, raw []byte, log *slog.Logger) {
	if s.cfg.Verify != nil {
		if err := s.cfg.Verify(raw); err != nil {
			log.Debug("frame failed verification, not acknowledging", "error", err)
			return
		}
	}
	if _, err := conn.Write([]byte(s.cfg.Ack)); err != nil {
		metrics.AckErrs.WithLabelValues(string(ep.Source)).Inc()
		log.Debug("ack failed", "error", err)
	}
}
