package chanrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/spf13/afero"
)

// debugFS is the filesystem newDebugSink writes to. It is a package-level
// swap point rather than a Config field: per §6 the configuration surface
// is a closed set, and the underlying log destination is an implementation
// detail, not something application code tunes. Code inside this package
// can reassign it (for example to an afero.NewMemMapFs()) before calling
// Build.
var debugFS afero.Fs = afero.NewOsFs()

// baseLog is the root logger every Channel forks its own per-instance
// logger from. It defaults to a no-op logger; a hosting application wires
// in a real one with SetLogger.
var baseLog logger.Logger = logger.NilLogger

// SetLogger replaces the root logger every subsequently built Channel forks
// its own per-instance logger from (§6's "Channel.Logger is forked
// per-instance" ambient-logging clause). It does not affect Channels
// already built. A nil l restores the no-op default.
func SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NilLogger
	}
	baseLog = l
}

// Handler is the application-supplied callback bound to a method name, or
// invoked for notifications. For a request, tx is non-nil and the returned
// (result, nil) becomes the success response unless tx.DelayReturn(true)
// was called; a non-nil error is normalized per §4.6 into an error
// response. For a notification, tx is nil and both return values are
// discarded (§4.4).
type Handler func(tx *Transaction, params interface{}) (interface{}, error)

// Config is the closed set of build-time options from §6.
type Config struct {
	Peer         Peer
	Substrate    Substrate
	Origin       string
	Scope        string
	OnReady      func(c *Channel)
	PostObserver PostObserverFunc
	RecvObserver RecvObserverFunc
	Debug        bool
}

// Channel is a bound, long-lived RPC endpoint over a Substrate (§3). Its
// lifecycle (activate once built, shut down exactly once on Destroy) is
// managed by an embedded *asyncobj.Helper instead of a hand-rolled
// done-channel and mutex: Lock is asyncobj.Helper's own embedded mutex, and
// DeferShutdown/UndeferShutdown give every public operation the
// post-destroy "best-effort no-op" behavior §7 asks for, for free.
type Channel struct {
	*asyncobj.Helper

	substrate Substrate
	peer      Peer
	origin    string
	scope     string

	handlers map[string]Handler
	table    *transactionTable
	counter  uint64

	ready      bool
	pending    []*pendingSend
	identity   string
	identityMu sync.Mutex

	onReady      func(c *Channel)
	postObserver PostObserverFunc
	recvObserver RecvObserverFunc

	debug *debugSink
	log   logger.Logger

	pool        *ants.PoolWithFunc
	unsubscribe func()
}

type inboundEvent struct {
	payload  string
	senderID string
}

// pendingSend is one entry in the pre-ready send buffer. frame is a frame
// already built and ready to transmit verbatim (a notification, or a
// response/progress frame replying to an inbound request, whose id was
// assigned by the peer). call is an outbound request whose id has not yet
// been allocated: Call defers id allocation for exactly this reason, so
// that a request issued before the handshake resolves still gets an id of
// the correct parity once flushPendingLocked runs.
type pendingSend struct {
	frame *frame
	call  *pendingCall
}

// pendingCall is a Call awaiting the handshake, holding everything
// sendCallLocked needs once it actually allocates an id and transmits.
type pendingCall struct {
	method    string
	params    json.RawMessage
	callbacks map[string]Callback
	success   SuccessFunc
	errorFn   ErrorFunc
}

// Build constructs a Channel bound to cfg.Peer over cfg.Substrate, and
// immediately fires the handshake ping (§4.1). Construction errors are
// surfaced synchronously; a failed Build returns a nil Channel.
func Build(cfg Config) (*Channel, error) {
	if cfg.Substrate == nil {
		return nil, ErrNilSubstrate
	}
	if cfg.Peer == nil || cfg.Peer.Identity() == cfg.Substrate.LocalPeer().Identity() {
		return nil, ErrSelfPeer
	}
	if cfg.Origin == "" {
		return nil, ErrMissingOrigin
	}
	origin, err := canonicalizeOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	if err := validateScope(cfg.Scope); err != nil {
		return nil, err
	}
	token, err := newIdentityToken()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		substrate:    cfg.Substrate,
		peer:         cfg.Peer,
		origin:       origin,
		scope:        cfg.Scope,
		handlers:     make(map[string]Handler),
		table:        newTransactionTable(),
		counter:      1,
		identity:     token,
		onReady:      cfg.OnReady,
		postObserver: cfg.PostObserver,
		recvObserver: cfg.RecvObserver,
	}
	c.log = baseLog.ForkLog(fmt.Sprintf("chanrpc[%s]", token))
	c.Helper = asyncobj.NewHelper(c.log, c)

	if cfg.Debug {
		sink, err := newDebugSink(debugFS, fmt.Sprintf("/chanrpc-%s.log", token))
		if err != nil {
			return nil, err
		}
		c.debug = sink
	}

	pool, err := ants.NewPoolWithFunc(1, func(v interface{}) {
		ev := v.(*inboundEvent)
		c.dispatch(ev.payload, ev.senderID)
	})
	if err != nil {
		return nil, fmt.Errorf("chanrpc: failed to start dispatch pool: %w", err)
	}
	c.pool = pool

	c.unsubscribe = cfg.Substrate.Subscribe(func(payload, senderID string) {
		if err := c.DeferShutdown(); err != nil {
			return
		}
		defer c.UndeferShutdown()
		_ = c.pool.Invoke(&inboundEvent{payload: payload, senderID: senderID})
	})

	c.SetIsActivated()

	if err := c.sendReady("ping"); err != nil {
		c.log.ELogf("failed to send initial handshake ping: %s", err)
	}

	return c, nil
}

// HandleOnceShutdown is invoked exactly once by asyncobj.Helper, in its own
// goroutine, when Destroy triggers shutdown. It performs §5's teardown:
// detach the substrate listener, clear the registry and transaction table,
// drop the pending-send buffer.
func (c *Channel) HandleOnceShutdown(completionErr error) error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.Lock.Lock()
	c.handlers = make(map[string]Handler)
	c.table.clear()
	c.pending = nil
	c.Lock.Unlock()
	if c.pool != nil {
		c.pool.Release()
	}
	if c.debug != nil {
		_ = c.debug.close()
	}
	return completionErr
}

// Identity is this Channel's opaque logging identifier (§6): a random
// token, plus a role suffix once the handshake has assigned one.
func (c *Channel) Identity() string {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	return c.identity
}

func (c *Channel) appendRoleTagLocked(tag string) {
	c.identityMu.Lock()
	c.identity += tag
	c.identityMu.Unlock()
}

// IsReady reports whether the handshake has completed.
func (c *Channel) IsReady() bool {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.ready
}

// Bind registers h as the handler for method (§6). Binding an
// already-bound method fails without replacing the existing handler (S6).
func (c *Channel) Bind(method string, h Handler) error {
	if method == "" {
		return ErrInvalidMethodName
	}
	if h == nil {
		return ErrNilHandler
	}
	if err := c.DeferShutdown(); err != nil {
		return nil
	}
	defer c.UndeferShutdown()
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if _, exists := c.handlers[method]; exists {
		return ErrMethodAlreadyBound
	}
	c.handlers[method] = h
	return nil
}

// Unbind removes method's handler, reporting whether one was bound.
func (c *Channel) Unbind(method string) bool {
	if err := c.DeferShutdown(); err != nil {
		return false
	}
	defer c.UndeferShutdown()
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if _, exists := c.handlers[method]; !exists {
		return false
	}
	delete(c.handlers, method)
	return true
}

// CallOptions are the inputs to Call (§6).
type CallOptions struct {
	Method  string
	Params  interface{}
	Success SuccessFunc
	Error   ErrorFunc
}

// Call issues a request to the peer (§4.2). Success and (if provided)
// Error fire later, from the dispatch goroutine, as the peer replies.
func (c *Channel) Call(opts CallOptions) error {
	if opts.Method == "" {
		return ErrInvalidMethodName
	}
	if opts.Success == nil {
		return ErrMissingSuccess
	}
	if err := c.DeferShutdown(); err != nil {
		return nil
	}
	defer c.UndeferShutdown()

	pruned, callbacks := extractCallbacks(opts.Params)
	raw, err := marshalValue(pruned)
	if err != nil {
		return err
	}

	c.Lock.Lock()
	defer c.Lock.Unlock()

	// The id (and thus its parity) is not allocated here: before the
	// handshake resolves, this Channel does not yet know whether it will
	// end up the ping side (even ids, once confirmEvenParity runs) or the
	// pong side (odd ids). A Call issued ahead of readiness is queued and
	// only gets its id once flushPendingLocked runs, after that parity
	// decision has already been made.
	if !c.ready {
		c.pending = append(c.pending, &pendingSend{call: &pendingCall{
			method:    opts.Method,
			params:    raw,
			callbacks: callbacks,
			success:   opts.Success,
			errorFn:   opts.Error,
		}})
		return nil
	}
	return c.sendCallLocked(opts.Method, raw, callbacks, opts.Success, opts.Error)
}

// sendCallLocked allocates an id for an outbound request, registers its
// table entry, and transmits it. Callers must hold c.Lock and know the
// Channel is ready (this is only safe to call once parity is resolved).
func (c *Channel) sendCallLocked(method string, raw json.RawMessage, callbacks map[string]Callback, success SuccessFunc, errorFn ErrorFunc) error {
	id := c.allocID()
	f := &frame{
		ID:     &id,
		Method: encodeMethod(c.scope, method),
		Params: raw,
	}
	if len(callbacks) > 0 {
		f.Callbacks = callbackPaths(callbacks)
	}
	c.table.out[id] = &outboundTransaction{
		id:        id,
		success:   success,
		errorFn:   errorFn,
		callbacks: callbacks,
	}
	return c.transmit(f)
}

// Notify sends a fire-and-forget notification (§4.2, §6).
func (c *Channel) Notify(method string, params interface{}) error {
	if method == "" {
		return ErrInvalidMethodName
	}
	raw, err := marshalValue(params)
	if err != nil {
		return err
	}
	if err := c.DeferShutdown(); err != nil {
		return nil
	}
	defer c.UndeferShutdown()
	c.Lock.Lock()
	defer c.Lock.Unlock()
	f := &frame{Method: encodeMethod(c.scope, method), Params: raw}
	return c.sendLocked(f, false)
}

// Destroy detaches from the substrate and clears all tables (§5), blocking
// until HandleOnceShutdown has completed. It is idempotent; further
// operations on a destroyed Channel are no-ops.
func (c *Channel) Destroy() error {
	c.StartShutdown(nil)
	return c.WaitShutdown()
}

// allocID returns the next id for an outbound transaction, advancing the
// counter by 2 (§3). The counter is speculatively odd from construction;
// confirmEvenParity adjusts it, once, when the handshake resolves this
// Channel as the ping-originating side. Callers must hold c.Lock.
func (c *Channel) allocID() uint64 {
	id := c.counter
	c.counter += 2
	return id
}

func (c *Channel) confirmEvenParity() {
	if c.counter%2 == 1 {
		c.counter++
	}
}

// sendReady transmits the handshake notification, bypassing the pending
// queue (§4.1: "the handshake is sent with a force flag").
func (c *Channel) sendReady(payload string) error {
	raw, err := marshalValue(payload)
	if err != nil {
		return err
	}
	f := &frame{Method: encodeMethod(c.scope, ReadyMethod), Params: raw}
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.sendLocked(f, true)
}

// sendLocked either enqueues f (not yet ready, not forced) or transmits it
// immediately. Callers must hold c.Lock.
func (c *Channel) sendLocked(f *frame, force bool) error {
	if !c.ready && !force {
		c.pending = append(c.pending, &pendingSend{frame: f})
		return nil
	}
	return c.transmit(f)
}

// transmit fires the post observer and debug trace for f, then hands it to
// the substrate. This is the one place a frame actually leaves the
// process, so it is also where observers see exactly what crossed the
// wire -- including a Call's final id, assigned no earlier than this point.
func (c *Channel) transmit(f *frame) error {
	if c.postObserver != nil {
		view := newFrameView(f)
		id := c.identity
		go c.postObserver(id, view)
	}
	c.debug.trace("out", c.identity, f)
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.substrate.Send(context.Background(), c.peer, payload)
}

// flushPendingLocked transmits the pending-send buffer in FIFO order (§4.1,
// §8 property 6), in the same relative order notifications, responses, and
// not-yet-ided calls were issued. A queued call only allocates its id here,
// once this Channel's parity (odd/even) has already been resolved by the
// handshake that triggered this flush. Callers must hold c.Lock.
func (c *Channel) flushPendingLocked() {
	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		var err error
		if p.call != nil {
			err = c.sendCallLocked(p.call.method, p.call.params, p.call.callbacks, p.call.success, p.call.errorFn)
		} else {
			err = c.transmit(p.frame)
		}
		if err != nil {
			c.log.WLogf("failed to flush queued frame: %s", err)
		}
	}
}

// dispatch handles one inbound (payload, senderID) pair. It runs on the
// single dispatch-pool worker, so it observes frames strictly one at a
// time, matching the single-threaded model of §5.
func (c *Channel) dispatch(payload, senderID string) {
	if !originMatches(c.origin, senderID) {
		c.debug.note("dropped: origin mismatch", map[string]interface{}{"sender": senderID})
		return
	}

	f, err := decodeFrame(payload)
	if err != nil {
		c.debug.note("dropped: malformed frame", map[string]interface{}{"error": err.Error()})
		return
	}

	if c.recvObserver != nil {
		c.recvObserver(senderID, newFrameView(f))
	}
	c.debug.trace("in", senderID, f)

	descoped, ok := decodeMethod(c.scope, f.Method)
	if f.Method != "" && !ok {
		c.debug.note("dropped: scope mismatch", map[string]interface{}{"method": f.Method})
		return
	}

	if f.Method != "" && f.ID == nil && descoped == ReadyMethod {
		c.handleReady(f)
		return
	}

	switch classify(f) {
	case frameRequest:
		c.handleRequest(f, descoped)
	case frameProgress:
		c.handleProgress(f)
	case frameResponse:
		c.handleResponse(f)
	case frameNotification:
		c.handleNotification(f, descoped)
	default:
		c.debug.note("dropped: unrecognized frame shape", nil)
	}
}

// handleReady implements the two-step handshake of §4.1. Receiving a
// second __ready after this Channel has already entered ready is a fatal
// programming error, preserved literally rather than patched, because the
// spec calls it out explicitly as such rather than as an ordinary protocol
// error to be dropped.
func (c *Channel) handleReady(f *frame) {
	var payload string
	if err := json.Unmarshal(f.Params, &payload); err != nil {
		c.debug.note("dropped: malformed __ready payload", map[string]interface{}{"error": err.Error()})
		return
	}

	c.Lock.Lock()
	if c.ready {
		c.Lock.Unlock()
		panic(fmt.Sprintf("chanrpc: received second __ready (%q) while already ready", payload))
	}

	switch payload {
	case "ping":
		c.appendRoleTagLocked(roleTagPong)
		c.ready = true
		c.flushPendingLocked()
		onReady := c.onReady
		c.Lock.Unlock()
		if err := c.sendReady("pong"); err != nil {
			c.log.ELogf("failed to send handshake pong: %s", err)
		}
		if onReady != nil {
			onReady(c)
		}
	case "pong":
		c.confirmEvenParity()
		c.appendRoleTagLocked(roleTagPing)
		c.ready = true
		c.flushPendingLocked()
		onReady := c.onReady
		c.Lock.Unlock()
		if onReady != nil {
			onReady(c)
		}
	default:
		c.Lock.Unlock()
		c.debug.note("dropped: unrecognized __ready payload", map[string]interface{}{"payload": payload})
	}
}

// handleRequest implements §4.3. A request for an unbound method is
// silently ignored, never error-replied (§7).
func (c *Channel) handleRequest(f *frame, method string) {
	c.Lock.Lock()
	h, exists := c.handlers[method]
	c.Lock.Unlock()
	if !exists {
		c.debug.note("dropped: no handler bound", map[string]interface{}{"method": method})
		return
	}

	var params interface{}
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.debug.note("dropped: malformed request params", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	id := *f.ID
	declared := make(map[string]bool, len(f.Callbacks))
	for _, p := range f.Callbacks {
		declared[p] = true
	}
	in := &inboundTransaction{
		id:              id,
		declaredCbPaths: declared,
		post: func(out *frame) error {
			if err := c.DeferShutdown(); err != nil {
				return nil
			}
			defer c.UndeferShutdown()
			c.Lock.Lock()
			defer c.Lock.Unlock()
			return c.sendLocked(out, false)
		},
		onFinish: func() { c.removeInbound(id) },
	}
	tx := &Transaction{in: in, done: make(chan struct{})}

	c.Lock.Lock()
	c.table.in[id] = tx
	c.Lock.Unlock()

	if len(f.Callbacks) > 0 {
		params = installCallbacks(params, f.Callbacks, func(path string, args interface{}) error {
			return tx.Invoke(path, args)
		})
	}

	result, herr := c.invokeHandler(h, tx, params)

	if tx.Completed() {
		return
	}
	tx.mu.Lock()
	delayed := tx.in.delayed
	tx.mu.Unlock()
	if delayed {
		return
	}

	if herr != nil {
		_ = tx.finishWithError(herr)
	} else {
		_ = tx.Complete(result)
	}
}

func (c *Channel) removeInbound(id uint64) {
	c.Lock.Lock()
	delete(c.table.in, id)
	c.Lock.Unlock()
}

// invokeHandler runs h, converting a panic into the same {error, message}
// shape an explicitly returned error would produce: Go's panic/recover is
// the idiomatic analogue of a dynamic language's throw (§4.6, design note
// on callback marshaling's "explicit sum type" philosophy extended to
// errors).
func (c *Channel) invokeHandler(h Handler, tx *Transaction, params interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Throw(r)
		}
	}()
	return h(tx, params)
}

// handleNotification implements §4.4's last clause: return values and
// thrown errors are discarded.
func (c *Channel) handleNotification(f *frame, method string) {
	c.Lock.Lock()
	h, exists := c.handlers[method]
	c.Lock.Unlock()
	if !exists {
		return
	}
	var params interface{}
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.debug.note("dropped: malformed notification params", map[string]interface{}{"error": err.Error()})
			return
		}
	}
	_, _ = c.invokeHandler(h, nil, params)
}

// handleProgress implements §4.4's progress-routing clause.
func (c *Channel) handleProgress(f *frame) {
	c.Lock.Lock()
	tr, ok := c.table.out[*f.ID]
	c.Lock.Unlock()
	if !ok {
		c.debug.note("dropped: progress for unknown transaction", map[string]interface{}{"id": *f.ID})
		return
	}
	cb, ok := tr.callbacks[f.Callback]
	if !ok {
		c.debug.note("dropped: progress for undeclared callback", map[string]interface{}{"callback": f.Callback})
		return
	}
	var args interface{}
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &args); err != nil {
			c.debug.note("dropped: malformed progress params", map[string]interface{}{"error": err.Error()})
			return
		}
	}
	cb(args)
}

// handleResponse implements §4.4's final-response clause.
func (c *Channel) handleResponse(f *frame) {
	c.Lock.Lock()
	tr, ok := c.table.out[*f.ID]
	if ok {
		delete(c.table.out, *f.ID)
	}
	c.Lock.Unlock()
	if !ok {
		c.debug.note("dropped: response for unknown transaction", map[string]interface{}{"id": *f.ID})
		return
	}
	if f.hasError() {
		if tr.errorFn != nil {
			tr.errorFn(&CodedError{Code: f.Error, Message: f.Message})
		}
		return
	}
	var result interface{}
	if len(f.Result) > 0 {
		if err := json.Unmarshal(f.Result, &result); err != nil {
			c.debug.note("dropped: malformed response result", map[string]interface{}{"error": err.Error()})
			return
		}
	}
	tr.success(result)
}

// finishWithError is Transaction.Error's internals, exposed to the
// dispatcher for the auto-complete-on-return path so the §4.6 normalization
// already applied to herr is not re-applied.
func (t *Transaction) finishWithError(err error) error {
	ce := NormalizeError(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishLocked(nil, ce)
}
