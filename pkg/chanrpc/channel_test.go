package chanrpc_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/bridgewire/chanrpc/pkg/chanrpc"
	"github.com/bridgewire/chanrpc/pkg/substrate"
)

const parentOrigin = "https://parent.example"
const childOrigin = "https://child.example"

// TestMain wires a real sammck-go/logger.Logger (not a mock) into every
// Channel this package's tests build.
func TestMain(m *testing.M) {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix("chanrpc_test"),
	)
	if err != nil {
		panic(err)
	}
	chanrpc.SetLogger(lg)
	os.Exit(m.Run())
}

func newPair(t *testing.T) (*substrate.Loop, *substrate.Loop) {
	t.Helper()
	a, b, err := substrate.NewLoopPair(parentOrigin, childOrigin)
	if err != nil {
		t.Fatalf("substrate.NewLoopPair() returned error: %s", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func buildPair(t *testing.T) (loopA, loopB *substrate.Loop, a, b *chanrpc.Channel) {
	t.Helper()
	loopA, loopB = newPair(t)
	var err error
	a, err = chanrpc.Build(chanrpc.Config{
		Peer:      loopA.RemotePeer(),
		Substrate: loopA,
		Origin:    childOrigin,
	})
	if err != nil {
		t.Fatalf("Build(A) returned error: %s", err)
	}
	b, err = chanrpc.Build(chanrpc.Config{
		Peer:      loopB.RemotePeer(),
		Substrate: loopB,
		Origin:    parentOrigin,
	})
	if err != nil {
		t.Fatalf("Build(B) returned error: %s", err)
	}
	waitFor(t, time.Second, a.IsReady)
	waitFor(t, time.Second, b.IsReady)
	return loopA, loopB, a, b
}

// TestHandshakeHappyPath exercises the non-colliding construction order: A
// is built first and its initial ping has nowhere to land yet (B does not
// exist), so it is silently lost -- the substrate is best-effort, per §1.
// B is then built, sends its own ping, A replies pong, B adjusts to even
// parity, and both sides reach ready without ever seeing a second __ready.
func TestHandshakeHappyPath(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	if !a.IsReady() || !b.IsReady() {
		t.Fatal("both channels should be ready")
	}
	if a.Identity() == b.Identity() {
		t.Fatalf("identities should differ: %q == %q", a.Identity(), b.Identity())
	}
}

// TestEchoCall is scenario S1: a call to a bound method that echoes its
// params back succeeds exactly once, with no error continuation.
func TestEchoCall(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	if err := b.Bind("echo", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		return params, nil
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	var gotResult interface{}
	var gotError error
	done := make(chan struct{})
	err := a.Call(chanrpc.CallOptions{
		Method: "echo",
		Params: map[string]interface{}{"x": float64(1)},
		Success: func(result interface{}) {
			gotResult = result
			close(done)
		},
		Error: func(e error) {
			gotError = e
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Call() returned error: %s", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo response")
	}
	if gotError != nil {
		t.Fatalf("unexpected error continuation: %s", gotError)
	}
	m, ok := gotResult.(map[string]interface{})
	if !ok || m["x"] != float64(1) {
		t.Fatalf("unexpected echo result: %#v", gotResult)
	}
}

// TestProgressCallbacks is scenario S2.
func TestProgressCallbacks(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	if err := b.Bind("stream", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		m := params.(map[string]interface{})
		cb := m["cb"].(chanrpc.Callback)
		cb(map[string]interface{}{"n": float64(1)})
		cb(map[string]interface{}{"n": float64(2)})
		return "done", nil
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	var mu sync.Mutex
	var progress []interface{}
	success := make(chan interface{}, 1)
	err := a.Call(chanrpc.CallOptions{
		Method: "stream",
		Params: map[string]interface{}{
			"cb": chanrpc.Callback(func(args interface{}) {
				mu.Lock()
				progress = append(progress, args)
				mu.Unlock()
			}),
		},
		Success: func(result interface{}) { success <- result },
		Error:   func(e error) { t.Errorf("unexpected error: %s", e) },
	})
	if err != nil {
		t.Fatalf("Call() returned error: %s", err)
	}

	var result interface{}
	select {
	case result = <-success:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success continuation")
	}
	if result != "done" {
		t.Fatalf("unexpected final result: %#v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress invocations, got %d", len(progress))
	}
}

// TestDelayedReturn is scenario S3.
func TestDelayedReturn(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	var stashed *chanrpc.Transaction
	held := make(chan struct{})
	if err := b.Bind("slow", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		tx.DelayReturn(true)
		stashed = tx
		close(held)
		return nil, nil
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	success := make(chan interface{}, 1)
	err := a.Call(chanrpc.CallOptions{
		Method:  "slow",
		Params:  nil,
		Success: func(result interface{}) { success <- result },
		Error:   func(e error) { t.Errorf("unexpected error: %s", e) },
	})
	if err != nil {
		t.Fatalf("Call() returned error: %s", err)
	}

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to stash transaction")
	}
	if err := stashed.Complete("ok"); err != nil {
		t.Fatalf("Complete() returned error: %s", err)
	}

	select {
	case result := <-success:
		if result != "ok" {
			t.Fatalf("unexpected result: %#v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed success")
	}
}

// TestThrownStringError is scenario S4.
func TestThrownStringError(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	if err := b.Bind("boom", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		return nil, chanrpc.Throw("boom")
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	errCh := make(chan error, 1)
	err := a.Call(chanrpc.CallOptions{
		Method:  "boom",
		Success: func(result interface{}) { t.Errorf("unexpected success: %#v", result) },
		Error:   func(e error) { errCh <- e },
	})
	if err != nil {
		t.Fatalf("Call() returned error: %s", err)
	}

	select {
	case gotErr := <-errCh:
		ce, ok := gotErr.(*chanrpc.CodedError)
		if !ok {
			t.Fatalf("expected *CodedError, got %T", gotErr)
		}
		if ce.Code != "runtime_error" || ce.Message != "boom" {
			t.Fatalf("unexpected coded error: %+v", ce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error continuation")
	}
}

// TestHandlerReturnsCodedError verifies that an error built with
// NewCodedError crosses the wire unchanged, unlike a string passed to
// Throw which gets wrapped under code "runtime_error".
func TestHandlerReturnsCodedError(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer a.Destroy()
	defer b.Destroy()

	if err := b.Bind("fail", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		return nil, chanrpc.NewCodedError("custom_code", "custom message")
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	errCh := make(chan error, 1)
	err := a.Call(chanrpc.CallOptions{
		Method:  "fail",
		Success: func(result interface{}) { t.Errorf("unexpected success: %#v", result) },
		Error:   func(e error) { errCh <- e },
	})
	if err != nil {
		t.Fatalf("Call() returned error: %s", err)
	}

	select {
	case gotErr := <-errCh:
		ce, ok := gotErr.(*chanrpc.CodedError)
		if !ok {
			t.Fatalf("expected *CodedError, got %T", gotErr)
		}
		if ce.Code != "custom_code" || ce.Message != "custom message" {
			t.Fatalf("unexpected coded error: %+v", ce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error continuation")
	}
}

// TestDuplicateBindFails is scenario S6.
func TestDuplicateBindFails(t *testing.T) {
	_, _, a, _ := buildPair(t)
	defer a.Destroy()

	first := func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) { return "first", nil }
	second := func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) { return "second", nil }

	if err := a.Bind("m", first); err != nil {
		t.Fatalf("first Bind() returned error: %s", err)
	}
	if err := a.Bind("m", second); err != chanrpc.ErrMethodAlreadyBound {
		t.Fatalf("second Bind() returned %v, want ErrMethodAlreadyBound", err)
	}
}

// TestOriginMismatchDropped is scenario S5: a frame whose sender identity
// does not match the configured (non-wildcard) origin produces no state
// change at all.
func TestOriginMismatchDropped(t *testing.T) {
	loopA, loopB := newPair(t)
	a, err := chanrpc.Build(chanrpc.Config{
		Peer:      loopA.RemotePeer(),
		Substrate: loopA,
		Origin:    "https://untrusted.example",
	})
	if err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}
	defer a.Destroy()

	called := false
	if err := a.Bind("m", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	raw, _ := json.Marshal(map[string]interface{}{"id": 1, "method": "m", "params": map[string]interface{}{}})
	if err := loopB.Send(context.Background(), loopB.RemotePeer(), string(raw)); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("handler must not run on an origin-mismatched frame")
	}
	if a.IsReady() {
		t.Fatal("channel must not become ready from a frame that fails the origin filter")
	}
}

// TestDestroyClearsTable exercises §8 property 2's "after destroy, the
// table is empty" clause: a call left in flight across a Destroy can never
// complete, and binding/calling afterward is a silent no-op.
func TestDestroyClearsTable(t *testing.T) {
	_, _, a, b := buildPair(t)
	defer b.Destroy()

	fired := false
	_ = a.Call(chanrpc.CallOptions{
		Method:  "never-bound",
		Success: func(result interface{}) { fired = true },
		Error:   func(e error) { fired = true },
	})

	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy() returned error: %s", err)
	}
	time.Sleep(50 * time.Millisecond)
	if fired {
		t.Fatal("a continuation fired for a transaction abandoned by Destroy")
	}
	if err := a.Bind("m", func(tx *chanrpc.Transaction, params interface{}) (interface{}, error) { return nil, nil }); err != nil {
		t.Fatalf("Bind() after Destroy() should be a silent no-op, got error: %s", err)
	}
}
