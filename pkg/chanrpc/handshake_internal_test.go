package chanrpc

import (
	"context"
	"encoding/json"
	"testing"
)

// stubPeer and stubSubstrate are a minimal Substrate, just enough to get a
// Channel through Build without a real transport: this test drives the
// handshake state machine directly, never going through dispatch's
// pool-worker goroutine, so handleReady's fatal panic lands in the test's
// own goroutine where recover() can actually observe it.
type stubPeer struct{ id string }

func (p *stubPeer) Identity() string { return p.id }

type stubSubstrate struct {
	local *stubPeer
}

func (s *stubSubstrate) Send(ctx context.Context, peer Peer, payload string) error { return nil }
func (s *stubSubstrate) Subscribe(fn func(payload, senderID string)) func()        { return func() {} }
func (s *stubSubstrate) LocalPeer() Peer                                          { return s.local }

func buildTestChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := Build(Config{
		Peer:      &stubPeer{id: "peer"},
		Substrate: &stubSubstrate{local: &stubPeer{id: "self"}},
		Origin:    "https://peer.example",
	})
	if err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}
	t.Cleanup(func() { c.Destroy() })
	return c
}

func readyFrame(t *testing.T, payload string) *frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal() returned error: %s", err)
	}
	return &frame{Method: encodeMethod("", ReadyMethod), Params: raw}
}

// TestHandshakeReadyFatalOnSecondReady exercises §4.1's hazard directly: a
// second __ready delivered after the Channel is already ready is a fatal
// programming error, and is expected to panic rather than be dropped.
func TestHandshakeReadyFatalOnSecondReady(t *testing.T) {
	c := buildTestChannel(t)

	c.handleReady(readyFrame(t, "ping"))
	if !c.IsReady() {
		t.Fatal("channel should be ready after the first __ready")
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected handleReady to panic on a second __ready")
		}
	}()
	c.handleReady(readyFrame(t, "ping"))
	t.Fatal("unreachable: handleReady should have panicked")
}

// TestHandshakeOddEvenParity exercises the parity rule: the "pong" side (the
// one that answered a ping) keeps its odd ids, and the "ping" side confirms
// even parity once it receives the peer's pong.
func TestHandshakeOddEvenParity(t *testing.T) {
	c := buildTestChannel(t)
	c.handleReady(readyFrame(t, "pong"))
	if !c.IsReady() {
		t.Fatal("channel should be ready after resolving as the ping side")
	}
	if c.counter%2 != 0 {
		t.Fatalf("ping side should confirm even parity, got counter=%d", c.counter)
	}
}
