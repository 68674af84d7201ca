package packetstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// frameHeaderLen is a sequence number plus a 2-byte length, a trimmed-down
// version of common/proto/proto.go's snowflakeHeader: that header also
// carries an ack number for its own resend buffering, which a
// packetstream.Stream doesn't need since retransmission is the
// underlying netio.Socket's concern, not the pipeline's.
const frameHeaderLen = 6

// maxFrameLength bounds a single frame's payload the way
// common/proto/proto.go's maxLength bounds a Snowflake chunk.
const maxFrameLength = 65535

// WireSource reads length-prefixed frames off r and returns them as Packets
// of the given type, one per ReadPacket call. Grounded on
// common/proto/proto.go's snowflakeHeader.Parse plus its Read loop, but
// producing Packets for a Stream's source slot instead of net.Conn bytes.
type WireSource struct {
	r    io.Reader
	Type string

	mu  sync.Mutex
	seq uint32
}

// NewWireSource wraps r as a packetstream source emitting packets of typ.
func NewWireSource(r io.Reader, typ string) *WireSource {
	return &WireSource{r: r, Type: typ}
}

func (s *WireSource) Accepts(packetType string) bool { return packetType == s.Type }
func (s *WireSource) Priority() int                  { return 0 }

// Emit is unused for a source; sources are driven externally by
// ReadPacket followed by Stream.Write, per spec.md §4.3's "Write pushes
// pkt from the source" entry point.
func (s *WireSource) Emit(pkt Packet) (Packet, bool, error) { return pkt, true, nil }

// ReadPacket reads one length-prefixed frame and returns it as a Packet,
// ready to hand to Stream.Write.
func (s *WireSource) ReadPacket() (Packet, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		return Packet{}, err
	}
	seq := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint16(header[4:6])

	data := make([]byte, length)
	if _, err := io.ReadFull(s.r, data); err != nil {
		return Packet{}, err
	}
	return Packet{Type: s.Type, Data: data, Seq: uint64(seq)}, nil
}

// WireSink writes every accepted Packet to w as a length-prefixed frame,
// the write-side counterpart of WireSource, grounded on
// common/proto/proto.go's snowflakeHeader.marshal plus its Write path.
type WireSink struct {
	w    io.Writer
	Type string

	mu     sync.Mutex
	nextSeq uint32
}

// NewWireSink wraps w as a packetstream sink accepting packets of typ.
func NewWireSink(w io.Writer, typ string) *WireSink {
	return &WireSink{w: w, Type: typ}
}

func (s *WireSink) Accepts(packetType string) bool { return packetType == s.Type }
func (s *WireSink) Priority() int                  { return 1<<31 - 1 }

func (s *WireSink) Emit(pkt Packet) (Packet, bool, error) {
	if len(pkt.Data) > maxFrameLength {
		return pkt, false, fmt.Errorf("packetstream: frame of %d bytes exceeds max %d", len(pkt.Data), maxFrameLength)
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	var header [frameHeaderLen]byte
	binary.BigEndian.PutUint32(header[0:4], seq)
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pkt.Data)))

	if _, err := s.w.Write(header[:]); err != nil {
		return pkt, false, err
	}
	if _, err := s.w.Write(pkt.Data); err != nil {
		return pkt, false, err
	}
	return pkt, true, nil
}
