package async

import (
	"sync/atomic"

	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// context is the shared liveness record a Handle's owner and any in-flight
// request objects hold, so a completion callback can check whether its
// parent is still alive before dispatching into user code instead of
// dereferencing a stale back-pointer. Grounded directly on
// original_source/src/base/include/scy/handle.h's uv::Context<T>.
type context struct {
	initialized atomic.Bool
	deleted     atomic.Bool
}

// Deleted reports whether the owning handle has been closed. Request
// objects capture a *context (not the handle itself) precisely so they can
// make this check safely from a callback that may run after Close.
func (c *context) Deleted() bool { return c.deleted.Load() }

// handleCore implements the common bookkeeping every Handle specialization
// (Socket, Timer, Idler, Transaction) embeds: owning loop, liveness
// context, thread-of-origin assertion and a cached Error, per spec.md §3's
// Handle data model.
type handleCore struct {
	loop    *Loop
	ctx     *context
	err     atomic.Pointer[scyerr.Error]
	onError func(*scyerr.Error)
	onClose func()
	refed   atomic.Bool
}

func newHandleCore(loop *Loop) *handleCore {
	return &handleCore{loop: loop, ctx: &context{}}
}

// Context returns the shared liveness record, for request objects that must
// outlive a single callback frame.
func (h *handleCore) Context() *context { return h.ctx }

// Loop returns the owning loop.
func (h *handleCore) Loop() *Loop { return h.loop }

func (h *handleCore) markInitialized() { h.ctx.initialized.Store(true) }

func (h *handleCore) initializedFlag() bool { return h.ctx.initialized.Load() }

// closed reports whether Close has been called. Per spec.md §3,
// closed()==true implies the resource is gone or pending asynchronous
// destruction.
func (h *handleCore) closed() bool { return h.ctx.deleted.Load() }

// Closed is the public accessor used by embedding types.
func (h *handleCore) Closed() bool { return h.closed() }

// close transitions the handle to closed and fires onClose at most once.
// Per spec.md §5, this is idempotent and loop-thread-only, and guarantees
// no further user callbacks after it returns (aside from a pending close
// completion), matching uv::Handle::close() in the original.
func (h *handleCore) close() {
	if h.ctx.deleted.Swap(true) {
		return
	}
	if h.onClose != nil {
		h.loop.deferTick(h.onClose)
	}
}

// SetError caches err and invokes the onError hook before any onClose
// callback, per spec.md §7 ("every I/O method sets a cached Error and
// invokes an onError hook before invoking onClose").
func (h *handleCore) SetError(err *scyerr.Error) {
	if err == nil {
		return
	}
	h.err.Store(err)
	if h.onError != nil {
		h.onError(err)
	}
}

// Error returns the last cached error, or nil.
func (h *handleCore) Error() *scyerr.Error { return h.err.Load() }

// OnError registers the error callback.
func (h *handleCore) OnError(f func(*scyerr.Error)) { h.onError = f }

// OnClose registers the close callback, invoked once, asynchronously,
// after Close is first called.
func (h *handleCore) OnClose(f func()) { h.onClose = f }

// Ref and Unref mirror libuv's reference counting (supplemented per
// SPEC_FULL.md from original_source/src/base/include/scy/handle.h): a
// referenced handle is allowed to keep the loop "alive" in callers that
// choose to honor Refed when deciding whether to keep polling. The stock
// Loop.Run implemented here always drains until Stop regardless, so these
// are advisory flags a caller (e.g. a keepalive Timer) can consult.
func (h *handleCore) Ref()      { h.refed.Store(true) }
func (h *handleCore) Unref()    { h.refed.Store(false) }
func (h *handleCore) Refed() bool { return h.refed.Load() }

// assertOwnerOrUnstarted allows construction/configuration from any
// goroutine before the loop starts running, but requires the owning
// goroutine once it is live -- mirroring assertThread() in the original,
// which is only meaningful once the uv_loop is actually spinning.
func (h *handleCore) assertOwnerOrUnstarted() {
	h.loop.assertOwner()
}

// Reset closes and reinitializes the handle's liveness context in place,
// per SPEC_FULL.md's supplemented reset() (original_source handle.h).
func (h *handleCore) Reset() {
	if !h.ctx.deleted.Load() {
		h.close()
	}
	h.ctx = &context{}
}
