// Package rpc implements CS4: the user-level RPC framing state machine and its two wire
// transports — LMP, a short synchronous rendezvous message with an optional capability, and UMP,
// a lock-free single-producer/single-consumer ring buffer over shared memory. Both transports
// fragment arbitrarily large sends into fixed-size frames carrying a MORE bit, exactly as
// transport_try_send/transport_try_recv do in the original substrate; Conn (chan.go) is the
// transport-independent half that fragments, reassembles, and exposes blocking helpers.
package rpc

import (
	"errors"

	"github.com/domainkit/substrate/internal/capref"
)

var (
	// ErrTransportFull means the sender's queue has no room for another fragment right now; the
	// caller should retry. Mirrors LIB_ERR_LMP_BUF_OVERFLOW / LIB_ERR_UMP_CHAN_FULL.
	ErrTransportFull = errors.New("rpc: transport full")

	// ErrTransportEmpty means no fragment is available to receive yet; the caller should retry.
	// Mirrors LIB_ERR_LMP_RECV / LIB_ERR_UMP_CHAN_EMPTY.
	ErrTransportEmpty = errors.New("rpc: transport empty")

	// ErrCapOverUMP is returned if a caller attaches a capability to a fragment sent over UMP,
	// which has no channel for transferring local capability references cross-core.
	ErrCapOverUMP = errors.New("rpc: cannot attach a capability to a UMP fragment")

	// ErrMessageTooLarge is returned by UMPChan.TrySend when a single fragment's payload exceeds
	// FragmentPayloadBytes. Conn never produces such fragments and puts no limit on message size.
	ErrMessageTooLarge = errors.New("rpc: message exceeds max buffer size")
)

// IsTransient reports whether err is a retry-me condition rather than a fatal transport failure,
// mirroring lmp_err_is_transient / ump_err_is_transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransportFull) || errors.Is(err, ErrTransportEmpty)
}

// FragmentPayloadBytes is the maximum payload carried by a single fragment on either transport: 7
// machine words of 8 bytes, leaving the 8th word as the control word (UMP) or the send invocation's
// size+flags argument (LMP) — spec.md §4.F/§4.G.
const FragmentPayloadBytes = 7 * 8

// Transport is the minimum both wire formats must implement so Conn can fragment/reassemble over
// either one identically.
type Transport interface {
	// TrySend attempts to emit one fragment. hasCap is only meaningful for transports that support
	// capability transfer (LMP); more indicates whether further fragments follow this one.
	// Returns ErrTransportFull (transient) if the destination has no room.
	TrySend(payload []byte, cap capref.Capref, hasCap, more bool) error

	// TryRecv attempts to receive one fragment. Returns ErrTransportEmpty (transient) if nothing is
	// queued yet.
	TryRecv() (payload []byte, cap capref.Capref, hasCap, more bool, err error)
}
