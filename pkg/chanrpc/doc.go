// Package chanrpc implements a bidirectional RPC runtime over an
// asynchronous, untyped, best-effort string-passing substrate between two
// isolated execution contexts (for example a parent document and an
// embedded document communicating over window.postMessage, or any other
// "send a string, sometimes get a string back" transport).
//
// A Channel turns that primitive into four interaction patterns:
// request/response (Call), request with incremental progress callbacks
// (callback parameters to Call), fire-and-forget notifications (Notify),
// and structured error replies (Throw). It is deliberately not a general
// network tunnel: the wire unit is a single JSON-shaped frame, not a byte
// stream, and the Channel has no notion of a connection beyond the two-step
// ready handshake Build and handleReady carry out in channel.go.
//
// To distinguish the two ends of a Channel pair in logs, this package
// borrows the "peer" vocabulary rather than "client"/"server": a Channel
// has no inherent directionality, since either end may call the other.
package chanrpc
