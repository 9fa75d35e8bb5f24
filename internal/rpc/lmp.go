package rpc

import "github.com/domainkit/substrate/internal/capref"

// lmpFrame is one short message: up to FragmentPayloadBytes plus at most one capability, matching
// the kernel's LMP send invocation (endpoint, flags, send-cap, word-count, words...).
type lmpFrame struct {
	payload []byte
	cap     capref.Capref
	hasCap  bool
	more    bool
}

// LMPChan is one endpoint of a local rendezvous channel. Every endpoint's receive side is a
// capacity-1 mailbox — the Go analogue of the kernel's single pre-allocated receive slot — so a
// sender that finds it occupied gets ErrTransportFull exactly as a full LMP endpoint buffer would.
type LMPChan struct {
	send chan lmpFrame
	recv chan lmpFrame
}

// NewLMPPair creates two connected LMPChan endpoints, as if a and b had each lmp_chan_accept'd the
// other's exported endpoint capability.
func NewLMPPair() (a, b *LMPChan) {
	ab := make(chan lmpFrame, 1)
	ba := make(chan lmpFrame, 1)

	a = &LMPChan{send: ab, recv: ba}
	b = &LMPChan{send: ba, recv: ab}

	return a, b
}

func (c *LMPChan) TrySend(payload []byte, cap capref.Capref, hasCap, more bool) error {
	frame := lmpFrame{payload: append([]byte(nil), payload...), cap: cap, hasCap: hasCap, more: more}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrTransportFull
	}
}

func (c *LMPChan) TryRecv() (payload []byte, cap capref.Capref, hasCap, more bool, err error) {
	select {
	case frame := <-c.recv:
		return frame.payload, frame.cap, frame.hasCap, frame.more, nil
	default:
		return nil, capref.Null, false, false, ErrTransportEmpty
	}
}
