// Package uno implements the remote-object wire protocol used to drive a
// headless office conversion service over a local socket. Frames are a
// 4-byte big-endian length prefix followed by a JSON envelope; a session
// begins with an object-namespace handshake and then carries synchronous
// request/reply pairs matched by call ID.
package uno

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultNamespace is the object namespace requested during the handshake.
const DefaultNamespace = "StarOffice.ComponentContext"

// maxFrameSize bounds a single frame. Conversion replies carry metadata,
// not document content, so anything larger is a protocol violation.
const maxFrameSize = 8 << 20

// Hello opens a session.
type Hello struct {
	Protocol  string `json:"protocol"`
	Namespace string `json:"namespace"`
}

// HelloAck is the service's handshake reply.
type HelloAck struct {
	SessionID string       `json:"session_id"`
	Error     *RemoteFault `json:"error,omitempty"`
}

// Request is one remote call. Args are positional, Kwargs named; the
// service defines their meaning per method.
type Request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteFault    `json:"error,omitempty"`
}

// RemoteFault is an application-level failure reported by the service.
type RemoteFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeFrame encodes v as JSON and writes it length-prefixed.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame and decodes it into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return fmt.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
