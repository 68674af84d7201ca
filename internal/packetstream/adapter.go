// Package packetstream implements the ordered source -> processor -> sink
// pipeline of spec.md §3 ("PacketStream") and §4.3, grounded on
// original_source/src/base/include/scy/packetstream.h's adapter-chain
// design and the teacher's own io.ReadWriter-pipe composition in
// client/lib/webrtc.go (the recvPipe/writePipe pair feeding a fixed chain).
package packetstream

import "fmt"

// Packet is the unit carried through a stream. Real payloads (encoded
// frames, raw socket bytes) are carried as Data; Type lets adapters accept
// or reject a packet without inspecting its payload, matching the "declares
// whether it accepts a given packet (by type tag)" requirement in §4.3.
type Packet struct {
	Type      string
	Data      []byte
	Timestamp int64
	Seq       uint64
}

// Role identifies an adapter's position in the stream, per spec.md §3.
type Role int

const (
	RoleSource Role = iota
	RoleProcessor
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleProcessor:
		return "processor"
	case RoleSink:
		return "sink"
	default:
		return "unknown"
	}
}

// Adapter is the common interface for every stage of a PacketStream.
// Implementations are free to be sources, sinks, or transforming
// processors; the stream itself only cares about Accepts, Priority and
// Emit.
type Adapter interface {
	// Accepts reports whether this adapter processes packets of the given
	// type. A processor that returns false for a packet is skipped for it,
	// not treated as an error.
	Accepts(packetType string) bool

	// Priority orders processors ascending; lower runs earlier. The stream
	// does not consult source or sink priorities; sinks run in the order
	// they were attached.
	Priority() int

	// Emit transforms or consumes pkt, returning the (possibly modified)
	// packet to continue the chain, or ok=false to swallow it here.
	Emit(pkt Packet) (out Packet, ok bool, err error)
}

// entry pairs an Adapter with its stream role and an ownership flag (spec
// §3: "each carrying an integer priority... and an ownership flag").
type entry struct {
	adapter Adapter
	role    Role
	owned   bool
}

func (e entry) String() string {
	return fmt.Sprintf("%s(priority=%d)", e.role, e.adapter.Priority())
}
