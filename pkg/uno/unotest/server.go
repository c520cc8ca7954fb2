// Package unotest provides an in-process stand-in for the office
// conversion service. It speaks the real wire protocol over TCP and
// supports the failure injection the package tests need: delayed
// handshakes, dropped sockets mid-call, scripted remote faults, and
// per-method call counting.
package unotest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguin-orz/datamax2/pkg/uno"
)

// Handler answers one method invocation.
type Handler func(req uno.Request) (any, *uno.RemoteFault)

// Server is a scriptable fake conversion service.
type Server struct {
	mu             sync.Mutex
	ln             net.Listener
	handlers       map[string]Handler
	calls          map[string]int
	handshakeDelay time.Duration
	refuseSessions bool
	dropCalls      int
	wg             sync.WaitGroup
	done           chan struct{}
}

// NewServer creates a server with default ping and convert handlers
// registered. Call Start before use.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		done:     make(chan struct{}),
	}
	s.Handle("ping", func(uno.Request) (any, *uno.RemoteFault) {
		return "pong", nil
	})
	s.Handle("convert", defaultConvert)
	return s
}

// Start listens on addr ("" for an ephemeral localhost port) and serves
// until Close.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln.Addr().(*net.TCPAddr)
}

// Port returns the listening port.
func (s *Server) Port() int { return s.Addr().Port }

// Handle registers (or replaces) the handler for a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// SetHandshakeDelay makes every handshake stall for d before replying,
// simulating a slow-starting service.
func (s *Server) SetHandshakeDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeDelay = d
}

// RefuseSessions makes handshakes fail with a remote fault.
func (s *Server) RefuseSessions(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuseSessions = refuse
}

// DropConnections makes the next n non-ping invocations close the socket
// without replying.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCalls = n
}

// Calls returns how many times method has been invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Close stops the listener and waits for connection goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	close(s.done)
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	var hello uno.Hello
	if err := readFrame(conn, &hello); err != nil {
		return
	}

	s.mu.Lock()
	delay := s.handshakeDelay
	refuse := s.refuseSessions
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
	if refuse || hello.Protocol != "urp" {
		_ = writeFrame(conn, uno.HelloAck{
			Error: &uno.RemoteFault{Code: "handshake", Message: "session refused"},
		})
		return
	}
	if err := writeFrame(conn, uno.HelloAck{SessionID: uuid.NewString()}); err != nil {
		return
	}

	for {
		var req uno.Request
		if err := readFrame(conn, &req); err != nil {
			return
		}

		s.mu.Lock()
		s.calls[req.Method]++
		drop := false
		if req.Method != "ping" && s.dropCalls > 0 {
			s.dropCalls--
			drop = true
		}
		h := s.handlers[req.Method]
		s.mu.Unlock()

		if drop {
			return
		}

		resp := uno.Response{ID: req.ID}
		if h == nil {
			resp.Error = &uno.RemoteFault{Code: "unknown_method", Message: req.Method}
		} else if result, fault := h(req); fault != nil {
			resp.Error = fault
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &uno.RemoteFault{Code: "internal", Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

// defaultConvert copies the input file to the output path, prefixing a
// marker so tests can tell converted output apart from the source.
func defaultConvert(req uno.Request) (any, *uno.RemoteFault) {
	in := pathFromURL(stringKwarg(req, "input_url"))
	out := pathFromURL(stringKwarg(req, "output_url"))
	if in == "" || out == "" {
		return nil, &uno.RemoteFault{Code: "invalid_args", Message: "input_url and output_url required"}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, &uno.RemoteFault{Code: "io", Message: err.Error()}
	}
	body := append([]byte("converted:"), data...)
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return nil, &uno.RemoteFault{Code: "io", Message: err.Error()}
	}
	return map[string]any{"bytes": len(body)}, nil
}

func stringKwarg(req uno.Request, key string) string {
	v, _ := req.Kwargs[key].(string)
	return v
}

func pathFromURL(u string) string {
	return strings.TrimPrefix(u, "file://")
}

// Frame helpers mirror the client codec so the fake stays honest about
// the wire format.

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > 8<<20 {
		return fmt.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
