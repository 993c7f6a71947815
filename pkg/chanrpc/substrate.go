package chanrpc

import "context"

// Peer is a handle to the remote execution context a Channel is bound to.
// It is opaque to chanrpc; concrete substrates (pkg/substrate) hand out
// values satisfying this interface, and an application never constructs one
// itself.
type Peer interface {
	// Identity is this peer's own identity string, as it would appear as
	// the sender identity on a frame it sends. Used at build time to
	// reject a Channel bound to its own local context (§5).
	Identity() string
}

// Substrate is the §6 "consumed" contract: the untyped, asynchronous,
// best-effort string-passing primitive a Channel is layered over. A
// concrete implementation (websocket, in-process loop, ...) lives under
// pkg/substrate.
type Substrate interface {
	// Send hands payload to peer. Send must not block on delivery
	// confirmation; the substrate is best-effort.
	Send(ctx context.Context, peer Peer, payload string) error

	// Subscribe registers fn to be called once for every inbound
	// (payload, senderIdentity) pair addressed to this local context. It
	// returns an unsubscribe function. Fn must not be called concurrently
	// with itself (§5: the substrate delivers one frame at a time).
	Subscribe(fn func(payload string, senderIdentity string)) (unsubscribe func())

	// LocalPeer describes this end of the substrate, the value Channel
	// compares against a configured peer to reject self-binding.
	LocalPeer() Peer
}
