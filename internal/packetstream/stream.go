package packetstream

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// State is the PacketStream lifecycle of spec.md §3:
// None -> Active -> Stopped -> Closing -> Closed | Error.
type State int

const (
	StateNone State = iota
	StateActive
	StateStopped
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Stream couples a set of adapters into a single ordered pipeline. It is
// safe for concurrent Attach/Detach/Write calls: each Write takes a
// snapshot of the adapter lists under a short read lock and dispatches
// without holding it, so an attach/detach made during a dispatch takes
// effect from the next Write on, converging to the last-requested
// configuration as required by the testable property in spec.md §8.
type Stream struct {
	mu      sync.RWMutex
	state   State
	source  *entry
	sinks   []*entry
	procs   []*entry
	seq     uint64
	err     *scyerr.Error
	ready   chan struct{}
	dispatching sync.WaitGroup
}

// New creates a Stream in State None.
func New() *Stream {
	return &Stream{state: StateNone, ready: make(chan struct{}, 1)}
}

func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Stream) Error() *scyerr.Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// AttachSource installs the single source adapter. Only one source may be
// attached at a time; attaching a new one replaces the old, scheduling it
// for the caller to close (spec §4.2's defer-delete contract applies at the
// socket layer; Stream itself just hands back the replaced adapter).
func (s *Stream) AttachSource(a Adapter, owned bool) (replaced Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		replaced = s.source.adapter
	}
	s.source = &entry{adapter: a, role: RoleSource, owned: owned}
	return replaced
}

// AttachProcessor inserts a the given processor in priority order.
func (s *Stream) AttachProcessor(a Adapter, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, &entry{adapter: a, role: RoleProcessor, owned: owned})
	sort.SliceStable(s.procs, func(i, j int) bool {
		return s.procs[i].adapter.Priority() < s.procs[j].adapter.Priority()
	})
}

// DetachProcessor removes the first processor adapter matching a, returning
// whether one was found.
func (s *Stream) DetachProcessor(a Adapter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.procs {
		if e.adapter == a {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			return true
		}
	}
	return false
}

// AttachSink adds a to the set of sinks receiving the final packet of each
// successful pipeline run.
func (s *Stream) AttachSink(a Adapter, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, &entry{adapter: a, role: RoleSink, owned: owned})
}

func (s *Stream) DetachSink(a Adapter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.sinks {
		if e.adapter == a {
			s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// Start transitions None -> Active, arming processors for dispatch.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNone && s.state != StateStopped {
		return fmt.Errorf("packetstream: cannot start from state %s", s.state)
	}
	s.state = StateActive
	return nil
}

// Write pushes pkt from the source through the ordered processor chain and
// out to every sink. Packets entering a stopped stream are dropped, per
// spec §3's invariant; packets submitted to a Closing/Closed/Error stream
// return an error.
func (s *Stream) Write(pkt Packet) error {
	s.mu.RLock()
	state := s.state
	procs := s.procs
	sinks := s.sinks
	s.mu.RUnlock()

	switch state {
	case StateStopped:
		return nil
	case StateClosing, StateClosed:
		return scyerr.New(scyerr.SourceStopped, "stream is closing or closed")
	case StateError:
		return scyerr.New(scyerr.PipelineError, "stream is in the error state")
	case StateNone:
		return scyerr.New(scyerr.AdapterRejected, "stream has not been started")
	}

	s.dispatching.Add(1)
	defer s.dispatching.Done()

	s.mu.Lock()
	s.seq++
	pkt.Seq = s.seq
	s.mu.Unlock()

	cur := pkt
	for _, p := range procs {
		if !p.adapter.Accepts(cur.Type) {
			continue
		}
		out, ok, err := p.adapter.Emit(cur)
		if err != nil {
			s.transitionToError(scyerr.Wrap(scyerr.PipelineError, err))
			return err
		}
		if !ok {
			return nil
		}
		cur = out
	}

	for _, sk := range sinks {
		if !sk.adapter.Accepts(cur.Type) {
			continue
		}
		if _, _, err := sk.adapter.Emit(cur); err != nil {
			s.transitionToError(scyerr.Wrap(scyerr.PipelineError, err))
			return err
		}
	}
	return nil
}

func (s *Stream) transitionToError(err *scyerr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateError
	s.err = err
}

// Stop transitions Active -> Stopped, draining in-flight dispatches before
// returning and signaling Ready so a caller can safely mutate the adapter
// list afterward, per spec §4.3.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateStopped
	}
	s.mu.Unlock()
	s.dispatching.Wait()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value once per completed Stop,
// letting a caller wait for the current dispatch iteration to finish
// before mutating adapters (spec §4.3).
func (s *Stream) Ready() <-chan struct{} { return s.ready }

// Reset restarts timestamp/sequence state without recreating processors,
// per spec §4.3 ("reset() restarts timestamp and sequencing state without
// recreating processors").
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
	for _, p := range s.procs {
		if r, ok := p.adapter.(Resettable); ok {
			r.Reset()
		}
	}
}

// Resettable is implemented by processors carrying internal counters (e.g.
// an FPS limiter) that must return to their initial state on Stream.Reset
// without being recreated.
type Resettable interface {
	Reset()
}

// Close is terminal: Closing -> Closed. It stops the stream first if still
// active, releases owned adapters, and is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosing
	s.mu.Unlock()

	if wasActive {
		s.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
	s.procs = nil
	s.sinks = nil
	s.state = StateClosed
}
