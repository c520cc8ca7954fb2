package uno

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// Session is one live protocol connection to a service instance. The
// service is single-threaded internally, so a Session permits one
// in-flight call at a time; concurrency comes from holding sessions to
// multiple instances, not from pipelining one.
type Session struct {
	conn net.Conn
	id   string
	addr string
	log  zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	broken bool
}

// Connect dials the service, performs the namespace handshake, and
// returns a bound session. The ctx deadline bounds both the dial and the
// handshake.
func Connect(ctx context.Context, host string, port int, namespace string, logger zerolog.Logger) (*Session, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, models.WrapError(models.ErrConnectionLost, "dial "+addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := writeFrame(conn, Hello{Protocol: "urp", Namespace: namespace}); err != nil {
		conn.Close()
		return nil, models.WrapError(models.ErrConnectionLost, "handshake send", err)
	}
	var ack HelloAck
	if err := readFrame(conn, &ack); err != nil {
		conn.Close()
		return nil, classifyReadError("handshake", err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, models.RemoteError(ack.Error.Code, ack.Error.Message)
	}
	if ack.SessionID == "" {
		conn.Close()
		return nil, models.NewError(models.ErrProtocol, "handshake reply missing session id")
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug().Str("session", ack.SessionID).Str("addr", addr).Msg("session established")
	return &Session{conn: conn, id: ack.SessionID, addr: addr, log: logger}, nil
}

// ID returns the session identifier assigned by the service.
func (s *Session) ID() string { return s.id }

// Broken reports whether a previous call left the socket in an unknown
// state. A broken session must be discarded, never reused.
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Invoke performs one synchronous remote call. Cancelling ctx mid-call
// closes the socket; the call fails with ErrConnectionLost and the
// session becomes unusable.
func (s *Session) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return nil, models.NewError(models.ErrConnectionLost, "session is broken")
	}

	s.nextID++
	req := Request{ID: s.nextID, Method: method, Args: args, Kwargs: kwargs}

	// Abort the blocking read/write by closing the socket when ctx ends.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := writeFrame(s.conn, req); err != nil {
		s.broken = true
		return nil, s.callError(ctx, method, "send", err)
	}
	var resp Response
	if err := readFrame(s.conn, &resp); err != nil {
		s.broken = true
		return nil, s.callError(ctx, method, "receive", err)
	}
	if resp.ID != req.ID {
		s.broken = true
		return nil, models.NewError(models.ErrProtocol,
			fmt.Sprintf("reply id %d does not match call id %d", resp.ID, req.ID))
	}
	if resp.Error != nil {
		return nil, models.RemoteError(resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// Ping performs a protocol-level liveness probe. A process can be alive
// but wedged, so this round-trips an actual call.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Invoke(ctx, "ping", nil, nil)
	return err
}

// Close releases the socket. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	return s.conn.Close()
}

// callError maps a transport failure during method to the taxonomy,
// preferring the cancellation cause when ctx ended first.
func (s *Session) callError(ctx context.Context, method, phase string, err error) error {
	if ctx.Err() != nil {
		s.log.Debug().Str("method", method).Msg("call aborted by caller")
		return models.WrapError(models.ErrConnectionLost, "call aborted: "+method, ctx.Err())
	}
	return classifyReadError(phase+" "+method, err)
}

// classifyReadError distinguishes malformed exchanges from dropped sockets.
func classifyReadError(op string, err error) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return models.WrapError(models.ErrConnectionLost, op, err)
	default:
		return models.WrapError(models.ErrProtocol, op, err)
	}
}
