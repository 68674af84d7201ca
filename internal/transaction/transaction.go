// Package transaction implements the request/response matching layer of
// spec.md §4.5, grounded on
// original_source/libs/STUN/include/Sourcey/STUN/Transaction.h and
// original_source/src/stun/include/scy/stun/transaction.h (a Transaction
// wraps a socket, a peer address, a timeout and a retry count, and exposes
// checkResponse/onResponse override points -- translated here into a
// pluggable Matcher function since Go favors composition over virtual
// dispatch). The RFC 5389 backoff schedule is driven by a
// github.com/cenkalti/backoff/v4 BackOff implementation instead of a
// hand-rolled retry loop.
package transaction

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// State is the transaction lifecycle of spec.md §4.5.
type State int

const (
	StateWaiting State = iota
	StateRunning
	StateSuccess
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FailureKind distinguishes why a transaction failed.
type FailureKind int

const (
	FailureTimeout FailureKind = iota
	FailurePeerError
	FailureCancelled
)

// Matcher reports whether an incoming response (already decoded by the
// caller into an opaque value) corresponds to this transaction's request.
// STUN transactions additionally require a source-address match (spec.md
// §4.5); Socket.IO transactions match by ack id. Both are expressed as a
// Matcher closure supplied at construction.
type Matcher func(response interface{}) bool

// Sender transmits (or retransmits) the request payload. It is called once
// per attempt, including the first.
type Sender func(attempt int) error

// Options configures a Transaction.
type Options struct {
	// Send is called once per attempt (first send plus every retransmit).
	Send Sender
	// Match decides whether an arriving response belongs to this
	// transaction.
	Match Matcher
	// Retries is the number of send attempts. Options built by
	// NewReliable/NewUnreliable already set this.
	Retries int
	// Intervals holds the delay before each retransmit (len ==
	// Retries-1); the transaction waits FinalWait after the last attempt
	// before declaring failure.
	Intervals []time.Duration
	FinalWait time.Duration
}

// rfc5389Intervals is the default UDP retransmission schedule from
// spec.md §4.5: 100ms, 200, 400, 800, 1600, 1600, 1600, final wait 8s.
var rfc5389Intervals = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
	1600 * time.Millisecond,
	1600 * time.Millisecond,
}

// scheduleBackOff adapts a fixed interval slice to the backoff.BackOff
// interface so the retry loop below can be written generically whether the
// schedule is UDP's doubling sequence or a reliable transport's single
// attempt.
type scheduleBackOff struct {
	remaining []time.Duration
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	if len(s.remaining) == 0 {
		return backoff.Stop
	}
	d := s.remaining[0]
	s.remaining = s.remaining[1:]
	return d
}

func (s *scheduleBackOff) Reset() {}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

// UnreliableOptions returns the defaults for a UDP destination per
// spec.md §4.5: 7 attempts with RFC 5389 backoff.
func UnreliableOptions(send Sender, match Matcher) Options {
	return Options{
		Send:      send,
		Match:     match,
		Retries:   len(rfc5389Intervals) + 1,
		Intervals: rfc5389Intervals,
		FinalWait: 8 * time.Second,
	}
}

// ReliableOptions returns the defaults for a reliable (TCP/TLS)
// destination per spec.md §4.5: one attempt, 10s timeout.
func ReliableOptions(send Sender, match Matcher) Options {
	return Options{
		Send:      send,
		Match:     match,
		Retries:   1,
		Intervals: nil,
		FinalWait: 10 * time.Second,
	}
}

// Transaction pairs an outgoing request with an eventual matching
// response, retrying per its Options' schedule. Safe for concurrent
// Cancel/Deliver calls.
type Transaction struct {
	opts Options

	mu       sync.Mutex
	state    State
	result   interface{}
	failKind FailureKind
	failCode int
	done     chan struct{}
	timer    *time.Timer
	stopOnce sync.Once
}

// New constructs a Transaction in State Waiting. Call Run to start it.
func New(opts Options) *Transaction {
	return &Transaction{opts: opts, state: StateWaiting, done: make(chan struct{})}
}

// Run starts the send/retry loop in a background goroutine and returns
// immediately; use Wait or the Done channel to observe completion.
func (t *Transaction) Run() {
	t.mu.Lock()
	if t.state != StateWaiting {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.mu.Unlock()

	go t.loop()
}

func (t *Transaction) loop() {
	bo := &scheduleBackOff{remaining: append([]time.Duration(nil), t.opts.Intervals...)}

	for attempt := 0; attempt < t.opts.Retries; attempt++ {
		if t.isTerminal() {
			return
		}
		if err := t.opts.Send(attempt); err != nil {
			t.fail(FailurePeerError, 0)
			return
		}

		var wait time.Duration
		if attempt < t.opts.Retries-1 {
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				wait = t.opts.FinalWait
			}
		} else {
			wait = t.opts.FinalWait
		}

		select {
		case <-t.done:
			return
		case <-time.After(wait):
		}
	}
	t.fail(FailureTimeout, 0)
}

func (t *Transaction) isTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != StateRunning
}

// Deliver offers an incoming response to the transaction. If it matches,
// the transaction transitions to Success and returns true; otherwise it
// returns false and the transaction keeps waiting (for retransmission
// timers or a later, matching response).
func (t *Transaction) Deliver(response interface{}) bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return false
	}
	if !t.opts.Match(response) {
		t.mu.Unlock()
		return false
	}
	t.state = StateSuccess
	t.result = response
	t.mu.Unlock()
	t.closeDone()
	return true
}

// DeliverPeerError transitions the transaction to Failed with a
// PeerError kind carrying the wire error code (e.g. a STUN ErrorResponse).
func (t *Transaction) DeliverPeerError(code int) {
	t.fail(FailurePeerError, code)
}

func (t *Transaction) fail(kind FailureKind, code int) {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.failKind = kind
	t.failCode = code
	t.mu.Unlock()
	t.closeDone()
}

// Cancel transitions a Waiting or Running transaction to Cancelled.
// Idempotent and safe at any state, per spec.md §4.5/§5.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	if t.state == StateSuccess || t.state == StateFailed || t.state == StateCancelled {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	t.failKind = FailureCancelled
	t.mu.Unlock()
	t.closeDone()
}

func (t *Transaction) closeDone() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Done returns a channel closed once the transaction reaches a terminal
// state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the matched response, valid only once State is Success.
func (t *Transaction) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Failure returns the failure kind and optional wire error code, valid
// only once State is Failed.
func (t *Transaction) Failure() (FailureKind, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failKind, t.failCode
}

// Wait blocks until the transaction reaches a terminal state, returning a
// *scyerr.Error describing a non-Success outcome (nil on Success).
func (t *Transaction) Wait() *scyerr.Error {
	<-t.done
	switch t.State() {
	case StateSuccess:
		return nil
	case StateCancelled:
		return scyerr.New(scyerr.Cancelled, "transaction cancelled")
	default:
		kind, code := t.Failure()
		if kind == FailurePeerError {
			return &scyerr.Error{Code: scyerr.PeerError, Message: "peer returned an error response", Cause: nil}
		}
		_ = code
		return scyerr.New(scyerr.Timeout, "transaction timed out")
	}
}
