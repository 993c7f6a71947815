package chanrpc

import "sync"

// SuccessFunc and ErrorFunc are the continuations supplied to Call.
type SuccessFunc func(result interface{})
type ErrorFunc func(err error)

// outboundTransaction is the §3 "out" transaction record: the continuations
// to fire on final reply, and the local callables keyed by the path the
// callback marshaler assigned them in the request we sent.
type outboundTransaction struct {
	id        uint64
	success   SuccessFunc
	errorFn   ErrorFunc
	callbacks map[string]Callback
}

// inboundTransaction is the §3 "in" transaction record, backing the control
// object (*Transaction) exposed to request handlers.
type inboundTransaction struct {
	id              uint64
	declaredCbPaths map[string]bool
	finished        bool
	delayed         bool
	post            func(f *frame) error
	onFinish        func()
}

// Transaction is the control object a request handler receives (§4.3). The
// handler gets it on the Channel's dispatch goroutine; the mutex below
// guards against an application calling Complete/Error from a goroutine it
// spawned itself after DelayReturn(true).
type Transaction struct {
	mu   sync.Mutex
	in   *inboundTransaction
	done chan struct{}
}

// Invoke posts a progress callback to the peer under a path it declared
// when it issued the call (§4.3). It is rejected if name was not among the
// declared callback paths.
func (t *Transaction) Invoke(name string, params interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.in.finished {
		return ErrTransactionFinished
	}
	if !t.in.declaredCbPaths[name] {
		return ErrUndeclaredCallback
	}
	raw, err := marshalValue(params)
	if err != nil {
		return err
	}
	id := t.in.id
	return t.in.post(&frame{ID: &id, Callback: name, Params: raw})
}

// Complete finalizes the transaction with a success result (§4.3). It is
// rejected if the transaction was already finalized.
func (t *Transaction) Complete(result interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishLocked(result, nil)
}

// Error finalizes the transaction with a coded error (§4.3/§4.6).
func (t *Transaction) Error(code, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishLocked(nil, &CodedError{Code: code, Message: message})
}

// Throw finalizes the transaction, normalizing v the same way a returned
// panic/error value would be normalized (§4.6).
func (t *Transaction) Throw(v interface{}) error {
	ce := NormalizeError(Throw(v))
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishLocked(nil, ce)
}

func (t *Transaction) finishLocked(result interface{}, cerr *CodedError) error {
	if t.in.finished {
		return ErrTransactionFinished
	}
	t.in.finished = true
	close(t.done)
	id := t.in.id
	f := &frame{ID: &id}
	if cerr != nil {
		f.Error = cerr.Code
		f.Message = cerr.Message
	} else {
		raw, err := marshalValue(result)
		if err != nil {
			f.Error = "runtime_error"
			f.Message = err.Error()
		} else {
			if raw == nil {
				raw = []byte("null")
			}
			f.Result = raw
		}
	}
	err := t.in.post(f)
	if t.in.onFinish != nil {
		t.in.onFinish()
	}
	return err
}

// DelayReturn suppresses the automatic completion a handler's return value
// would otherwise trigger (§4.3), so the handler can finalize asynchronously
// via Complete/Error later.
func (t *Transaction) DelayReturn(delay bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in.delayed = delay
}

// Completed reports whether the transaction has already been finalized,
// either automatically or via Complete/Error/Throw.
func (t *Transaction) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.finished
}

// transactionTable is the §3 map from id to in-flight transaction record,
// one per Channel. It has no lock of its own: the owning Channel holds its
// Lock around every access, and application code only reaches a
// transaction through the accessors above.
type transactionTable struct {
	out map[uint64]*outboundTransaction
	in  map[uint64]*Transaction
}

func newTransactionTable() *transactionTable {
	return &transactionTable{
		out: make(map[uint64]*outboundTransaction),
		in:  make(map[uint64]*Transaction),
	}
}

func (t *transactionTable) size() int {
	return len(t.out) + len(t.in)
}

func (t *transactionTable) clear() {
	t.out = make(map[uint64]*outboundTransaction)
	t.in = make(map[uint64]*Transaction)
}
