package rpc

import (
	"fmt"
	"runtime"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/log"
)

// Conn is the transport-independent RPC framing state machine (spec.md §4.H): it fragments a
// send buffer and its attached capability list across a Transport, and reassembles a receive
// buffer the same way, tracking offsets into each exactly as send_buf/recv_buf do in the original.
type Conn struct {
	t   Transport
	log *log.Logger

	sendBuf    []byte
	sendCaps   []capref.Capref
	sendOffset int
	sendCapOff int

	recvBuf    []byte
	recvCaps   []capref.Capref
	recvOffset int
	recvCapOff int
}

// NewConn wraps a Transport (an *LMPChan or a *UMPChan) in the common framing state machine.
func NewConn(t Transport) *Conn {
	return &Conn{t: t, log: log.DefaultLogger()}
}

// trySendFragment emits one fragment of whatever is queued in sendBuf/sendCaps, advancing the
// offsets on success (transport_try_send).
func (c *Conn) trySendFragment() (more bool, err error) {
	remaining := c.sendBuf[c.sendOffset:]

	size := len(remaining)
	if size > FragmentPayloadBytes {
		size = FragmentPayloadBytes
	}

	hasCap := c.sendCapOff < len(c.sendCaps)

	var cap capref.Capref
	if hasCap {
		cap = c.sendCaps[c.sendCapOff]
	}

	newOffset := c.sendOffset + size
	newCapOffset := c.sendCapOff
	if hasCap {
		newCapOffset++
	}

	more = newOffset < len(c.sendBuf) || newCapOffset < len(c.sendCaps)

	if err := c.t.TrySend(remaining[:size], cap, hasCap, more); err != nil {
		return false, err
	}

	c.sendOffset = newOffset
	c.sendCapOff = newCapOffset

	return more, nil
}

// tryRecvFragment receives one fragment and appends it to recvBuf/recvCaps (transport_try_recv).
func (c *Conn) tryRecvFragment() (more bool, err error) {
	payload, cap, hasCap, more, err := c.t.TryRecv()
	if err != nil {
		return false, err
	}

	c.recvBuf = append(c.recvBuf, payload...)

	if hasCap {
		c.recvCaps = append(c.recvCaps, cap)
	}

	return more, nil
}

// SendBlocking fragments and sends buf (with an optional attached capability list), spinning
// through transient transport errors until the whole message and its caps have gone out —
// the Go analogue of dispatching the waitset until the blocking sentinel clears.
func (c *Conn) SendBlocking(buf []byte, caps []capref.Capref) error {
	c.sendBuf = buf
	c.sendCaps = caps
	c.sendOffset = 0
	c.sendCapOff = 0

	for {
		more, err := c.trySendFragment()
		if err != nil {
			if IsTransient(err) {
				runtime.Gosched()
				continue
			}

			return fmt.Errorf("rpc: send: %w", err)
		}

		if !more {
			c.sendBuf = nil
			c.sendCaps = nil

			return nil
		}
	}
}

// RecvBlocking reassembles the next whole message, spinning through transient transport errors,
// and returns its bytes and any attached capabilities.
func (c *Conn) RecvBlocking() (data []byte, caps []capref.Capref, err error) {
	c.recvBuf = c.recvBuf[:0]
	c.recvCaps = c.recvCaps[:0]

	for {
		more, err := c.tryRecvFragment()
		if err != nil {
			if IsTransient(err) {
				runtime.Gosched()
				continue
			}

			return nil, nil, fmt.Errorf("rpc: recv: %w", err)
		}

		if !more {
			out := append([]byte(nil), c.recvBuf...)
			outCaps := append([]capref.Capref(nil), c.recvCaps...)

			return out, outCaps, nil
		}
	}
}

// Call is the common request/response pattern used throughout the process-manager client: send
// req (with optional caps), then block for exactly one reply message.
func (c *Conn) Call(req []byte, caps []capref.Capref) (resp []byte, respCaps []capref.Capref, err error) {
	if err := c.SendBlocking(req, caps); err != nil {
		return nil, nil, err
	}

	return c.RecvBlocking()
}
