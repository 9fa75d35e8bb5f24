// Package asyncchan implements §4.I: a request/response multiplexer layered on top of one
// internal/rpc.Conn so many concurrent logical calls can share a single RPC channel. It is
// grounded on simple_async_channel.c, adapted to Go's goroutine-and-channel idiom in place of the
// original's malloc'd linked-list FIFOs and raw-pointer request identifiers: a pending call here is
// a Go channel a caller blocks on, not a callback invoked from an event-dispatch loop, and the
// wire identifier is a plain sequence number rather than the sender's own pointer value, since Go
// gives no safe way to round-trip a pointer through a peer and back.
package asyncchan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/rpc"
)

// ErrClosed is returned by Request after Close.
var ErrClosed = errors.New("asyncchan: channel closed")

const (
	msgRequest  = byte(0)
	msgResponse = byte(1)

	headerSize = 1 + 8 // type byte + uint64 identifier
)

// RequestHandler answers a request received from the peer. It runs on its own goroutine per
// request, so it may itself block (e.g. on another RPC), unlike the original's event-loop handler.
type RequestHandler func(payload []byte) (response []byte)

// outMsg is one queued send: a framed request or response waiting for its turn on the wire.
type outMsg struct {
	id      uint64
	kind    byte
	payload []byte
}

// Channel multiplexes requests and responses over one RPC connection, alternating send direction
// between the two so neither starves the other (spec.md §4.I).
type Channel struct {
	conn    *rpc.Conn
	handler RequestHandler
	log     *log.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan []byte

	requests  chan outMsg
	responses chan outMsg
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a multiplexer on conn. handler answers requests from the peer; pass nil if this side
// never receives requests (a pure client).
func New(conn *rpc.Conn, handler RequestHandler) *Channel {
	if handler == nil {
		handler = func([]byte) []byte { return nil }
	}

	c := &Channel{
		conn:      conn,
		handler:   handler,
		log:       log.DefaultLogger(),
		pending:   make(map[uint64]chan []byte),
		requests:  make(chan outMsg, 64),
		responses: make(chan outMsg, 64),
		done:      make(chan struct{}),
	}

	go c.sendLoop()
	go c.recvLoop()

	return c
}

// Close stops the send and receive loops. Pending Request calls return ErrClosed.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

func frame(kind byte, id uint64, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], id)
	copy(buf[headerSize:], payload)

	return buf
}

// sendLoop alternates between the request and response queues, exactly as
// simple_async_prepare_send alternates current_sending between SIMPLE_ASYNC_REQUEST and
// SIMPLE_ASYNC_RESPONSE.
func (c *Channel) sendLoop() {
	sendingRequest := true

	for {
		primary, secondary := c.requests, c.responses
		if !sendingRequest {
			primary, secondary = c.responses, c.requests
		}

		var msg outMsg

		select {
		case msg = <-primary:
		default:
			select {
			case msg = <-primary:
			case msg = <-secondary:
			case <-c.done:
				return
			}
		}

		sendingRequest = !sendingRequest

		if err := c.conn.SendBlocking(frame(msg.kind, msg.id, msg.payload), nil); err != nil {
			c.log.Warn("asyncchan: send failed", "err", err)
			return
		}
	}
}

func (c *Channel) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, _, err := c.conn.RecvBlocking()
		if err != nil {
			c.log.Warn("asyncchan: recv failed", "err", err)
			return
		}

		if len(data) < headerSize {
			c.log.Warn("asyncchan: short frame", "len", len(data))
			continue
		}

		kind := data[0]
		id := binary.BigEndian.Uint64(data[1:9])
		payload := data[headerSize:]

		switch kind {
		case msgResponse:
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()

			if ok {
				ch <- payload
				close(ch)
			}

		case msgRequest:
			go func() {
				resp := c.handler(payload)

				select {
				case c.responses <- outMsg{id: id, kind: msgResponse, payload: resp}:
				case <-c.done:
				}
			}()

		default:
			c.log.Warn("asyncchan: unknown frame kind", "kind", kind)
		}
	}
}

// Request sends payload as a new request and blocks for its matching response.
func (c *Channel) Request(payload []byte) ([]byte, error) {
	id, respCh := c.register()

	select {
	case c.requests <- outMsg{id: id, kind: msgRequest, payload: payload}:
	case <-c.done:
		return nil, ErrClosed
	}

	resp, ok := <-respCh
	if !ok {
		return nil, ErrClosed
	}

	return resp, nil
}

func (c *Channel) register() (uint64, chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	ch := make(chan []byte, 1)
	c.pending[id] = ch

	return id, ch
}

func (c *Channel) String() string {
	return fmt.Sprintf("asyncchan(pending=%d)", len(c.pending))
}
