// Package iox implements §4.M: a domain's stdin/stdout plumbing. At startup a domain probes its
// TASKCN for STDIN/STDOUT frame capabilities; if present it builds a UMP channel on each and
// routes reads/writes through them, otherwise it falls back to the init RPC's serial
// get-character/put-string calls. It is grounded on the teacher's internal/tty.Console, which
// makes the same present-a-real-device-or-don't decision for the host terminal (term.IsTerminal),
// adapted here to choose between a UMP channel and an RPC fallback instead of a real TTY.
package iox

import (
	"errors"
	"io"

	"github.com/domainkit/substrate/internal/rpc"
)

// eofMarker is the single null byte the write path sends on domain exit (spec.md §4.M).
const eofMarker = 0

// SerialBackend is the fallback transport used when no STDIN/STDOUT frame was handed to this
// domain: the init RPC's serial get-character and put-string calls.
type SerialBackend interface {
	GetChar() (byte, error)
	PutString(s string) error
}

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("iox: stream closed")

// Stream is a byte-oriented stdin or stdout connected either to a UMP channel or a serial RPC
// fallback. Exactly one of conn or fallback is set.
type Stream struct {
	conn     *rpc.Conn
	fallback SerialBackend

	buf     []byte
	closed  bool
	peerEOF bool
}

// NewUMPStream builds a stream routed through a UMP channel, for use when the domain was handed a
// STDIN or STDOUT frame capability in its TASKCN.
func NewUMPStream(t rpc.Transport) *Stream {
	return &Stream{conn: rpc.NewConn(t)}
}

// NewFallbackStream builds a stream routed through the init RPC's serial calls, for use when no
// STDIN/STDOUT frame was found.
func NewFallbackStream(backend SerialBackend) *Stream {
	return &Stream{fallback: backend}
}

// Read implements io.Reader. Over a UMP channel it receives one framed message at a time and
// serves bytes from it; over the fallback it pulls one character per call to GetChar. A lone
// eofMarker byte (from the peer's Close) surfaces as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if s.peerEOF {
		return 0, io.EOF
	}

	if s.fallback != nil {
		c, err := s.fallback.GetChar()
		if err != nil {
			return 0, err
		}

		p[0] = c

		return 1, nil
	}

	if len(s.buf) == 0 {
		data, _, err := s.conn.RecvBlocking()
		if err != nil {
			return 0, err
		}

		if len(data) == 1 && data[0] == eofMarker {
			s.peerEOF = true

			return 0, io.EOF
		}

		s.buf = data
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]

	return n, nil
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if s.fallback != nil {
		if err := s.fallback.PutString(string(p)); err != nil {
			return 0, err
		}

		return len(p), nil
	}

	if err := s.conn.SendBlocking(p, nil); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close sends the EOF marker (UMP mode only) and marks the stream unusable.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if s.conn != nil {
		return s.conn.SendBlocking([]byte{eofMarker}, nil)
	}

	return nil
}

// TaskCaps is the subset of a domain's TASKCN this package probes at startup.
type TaskCaps interface {
	// Stdin/Stdout return the transport to use for each stream and whether a frame capability
	// (rather than the serial fallback) was found.
	Stdin() (rpc.Transport, bool)
	Stdout() (rpc.Transport, bool)
}

// Open probes caps for STDIN/STDOUT frames, building UMP-backed streams where present and falling
// back to backend otherwise (spec.md §4.M).
func Open(caps TaskCaps, backend SerialBackend) (stdin, stdout *Stream) {
	if t, ok := caps.Stdin(); ok {
		stdin = NewUMPStream(t)
	} else {
		stdin = NewFallbackStream(backend)
	}

	if t, ok := caps.Stdout(); ok {
		stdout = NewUMPStream(t)
	} else {
		stdout = NewFallbackStream(backend)
	}

	return stdin, stdout
}
