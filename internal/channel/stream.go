package channel

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// streamReadBufSize is the fixed buffer size every read into emits a
// received() event with, per spec.md §4.B.
const streamReadBufSize = 12 * 1024

// Stream is an auto-reconnecting TCP channel (spec.md §4.B). Reads into
// a 12 KiB buffer; every successful read emits received(bytes).
// Reconnection uses the same fixed-interval retry loop style as
// internal/mqtt.Broker's connection manager.
type Stream struct {
	*counters
	addr           string
	logger         *slog.Logger
	reconnectDelay time.Duration

	mu     sync.Mutex
	conn   net.Conn
	recv   ReceiveFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream constructs a stream-socket channel targeting addr (e.g.
// "host:port") and immediately starts its connect-and-read loop in the
// background until ctx is cancelled or Close is called.
func NewStream(ctx context.Context, addr string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		counters:       newCounters(),
		addr:           addr,
		logger:         logger,
		reconnectDelay: 5 * time.Second,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", s.addr)
		if err != nil {
			s.logger.Warn("stream channel dial failed", "addr", s.addr, "error", err)
			if !sleepCtx(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("stream channel connected", "addr", s.addr)

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, s.reconnectDelay) {
			return
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn net.Conn) {
	buf := make([]byte, streamReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.recordReceive(n)
			if s.recv != nil {
				s.recv(payload)
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream channel read failed, reconnecting", "addr", s.addr, "error", err)
			}
			return
		}
	}
}

// Send writes payload to the current connection, if any.
func (s *Stream) Send(payload []byte) Result {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return NoConnection
	}
	if _, err := conn.Write(payload); err != nil {
		s.recordSend(false, 0, err.Error())
		return Failed
	}
	s.recordSend(true, len(payload), "")
	return OK
}

func (s *Stream) SetReceiveFunc(fn ReceiveFunc) { s.recv = fn }

func (s *Stream) Metrics() Metrics { return s.snapshot() }

// Close stops the reconnect loop and closes any open connection.
func (s *Stream) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
	return nil
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
