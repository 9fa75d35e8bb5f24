package rpc

import (
	"sync/atomic"

	"github.com/domainkit/substrate/internal/capref"
)

// umpMsgMore mirrors UMP_MSG_MORE: the high bit of the control word, set when further fragments
// follow. The remaining bits hold the payload size.
const umpMsgMore = uint64(1) << 63

// umpLine is one cache-line-sized ring entry: 7 payload words plus a control word. The control
// word is accessed with atomic load/store, which gives the same producer/consumer visibility the
// original gets from its two dmb() data memory barriers per message (spec.md §5 "Ordering").
type umpLine struct {
	words   [FragmentPayloadBytes]byte
	control atomic.Uint64
}

// umpRing is one direction's half of a shared UMP frame: a fixed number of lines, and nothing
// else — the offset into the ring is owned by whichever UMPChan end is reading or writing it.
type umpRing struct {
	lines []*umpLine
}

func newUMPRing(lines int) *umpRing {
	r := &umpRing{lines: make([]*umpLine, lines)}
	for i := range r.lines {
		r.lines[i] = &umpLine{}
	}

	return r
}

// UMPChan is one side of a point-to-point UMP channel: a send ring and a receive ring, each owned
// exclusively by one side (single-producer/single-consumer per ring).
type UMPChan struct {
	send   *umpRing
	recv   *umpRing
	sendAt int
	recvAt int
}

// NewUMPPair creates two connected UMPChan endpoints sharing two rings of lines entries each,
// mirroring ump_chan_init's primary/secondary halves of one donated frame: the primary's send ring
// is the secondary's receive ring, and vice versa.
func NewUMPPair(lines int) (primary, secondary *UMPChan) {
	a := newUMPRing(lines)
	b := newUMPRing(lines)

	primary = &UMPChan{send: a, recv: b}
	secondary = &UMPChan{send: b, recv: a}

	return primary, secondary
}

func (c *UMPChan) TrySend(payload []byte, cap capref.Capref, hasCap, more bool) error {
	if hasCap {
		return ErrCapOverUMP
	}

	if len(payload) > FragmentPayloadBytes {
		return ErrMessageTooLarge
	}

	line := c.send.lines[c.sendAt]
	if line.control.Load() != 0 {
		return ErrTransportFull
	}

	copy(line.words[:], payload)

	control := uint64(len(payload))
	if more {
		control |= umpMsgMore
	}

	line.control.Store(control)

	c.sendAt = (c.sendAt + 1) % len(c.send.lines)

	return nil
}

func (c *UMPChan) TryRecv() (payload []byte, cap capref.Capref, hasCap, more bool, err error) {
	line := c.recv.lines[c.recvAt]

	control := line.control.Load()
	if control == 0 {
		return nil, capref.Null, false, false, ErrTransportEmpty
	}

	size := control &^ umpMsgMore
	more = control&umpMsgMore != 0

	payload = append([]byte(nil), line.words[:size]...)

	line.control.Store(0)

	c.recvAt = (c.recvAt + 1) % len(c.recv.lines)

	return payload, capref.Null, false, more, nil
}
