package substrate_test

import (
	"context"
	"testing"
	"time"

	"github.com/bridgewire/chanrpc/pkg/substrate"
)

func TestLoopRoundTrip(t *testing.T) {
	a, b, err := substrate.NewLoopPair("a", "b")
	if err != nil {
		t.Fatalf("NewLoopPair() returned error: %s", err)
	}
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)
	unsubscribe := b.Subscribe(func(payload, senderID string) {
		if senderID != "a" {
			t.Errorf("unexpected sender identity: %q", senderID)
		}
		received <- payload
	})
	defer unsubscribe()

	if err := a.Send(context.Background(), a.RemotePeer(), "hello"); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}

	select {
	case payload := <-received:
		if payload != "hello" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLoopSendWrongPeerRejected(t *testing.T) {
	a, b, err := substrate.NewLoopPair("a", "b")
	if err != nil {
		t.Fatalf("NewLoopPair() returned error: %s", err)
	}
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), a.LocalPeer(), "hello"); err == nil {
		t.Fatal("expected Send() to reject a peer that is not the connected remote")
	}
}

func TestLoopUnsubscribeStopsDelivery(t *testing.T) {
	a, b, err := substrate.NewLoopPair("a", "b")
	if err != nil {
		t.Fatalf("NewLoopPair() returned error: %s", err)
	}
	defer a.Close()
	defer b.Close()

	calls := make(chan struct{}, 2)
	unsubscribe := b.Subscribe(func(payload, senderID string) { calls <- struct{}{} })
	unsubscribe()

	if err := a.Send(context.Background(), a.RemotePeer(), "hello"); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}

	select {
	case <-calls:
		t.Fatal("received a delivery after unsubscribing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopCloseIsIdempotent(t *testing.T) {
	a, b, err := substrate.NewLoopPair("a", "b")
	if err != nil {
		t.Fatalf("NewLoopPair() returned error: %s", err)
	}
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close() returned error: %s", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() returned error: %s", err)
	}
}
