package packetstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fpsLimiter struct {
	priority int
	count    int
}

func (f *fpsLimiter) Accepts(t string) bool { return t == "video" }
func (f *fpsLimiter) Priority() int         { return f.priority }
func (f *fpsLimiter) Emit(pkt Packet) (Packet, bool, error) {
	f.count++
	return pkt, true, nil
}
func (f *fpsLimiter) Reset() { f.count = 0 }

type recordingSink struct {
	received []Packet
}

func (r *recordingSink) Accepts(string) bool { return true }
func (r *recordingSink) Priority() int       { return 0 }
func (r *recordingSink) Emit(pkt Packet) (Packet, bool, error) {
	r.received = append(r.received, pkt)
	return pkt, true, nil
}

func TestStreamOrdersProcessorsByPriority(t *testing.T) {
	var order []int
	mkProc := func(p int) *orderProc { return &orderProc{priority: p, order: &order} }

	s := New()
	s.AttachProcessor(mkProc(10), true)
	s.AttachProcessor(mkProc(1), true)
	s.AttachProcessor(mkProc(5), true)
	require.NoError(t, s.Start())

	require.NoError(t, s.Write(Packet{Type: "x"}))
	require.Equal(t, []int{1, 5, 10}, order)
}

type orderProc struct {
	priority int
	order    *[]int
}

func (o *orderProc) Accepts(string) bool { return true }
func (o *orderProc) Priority() int       { return o.priority }
func (o *orderProc) Emit(pkt Packet) (Packet, bool, error) {
	*o.order = append(*o.order, o.priority)
	return pkt, true, nil
}

func TestStreamDropsPacketsWhenStopped(t *testing.T) {
	sink := &recordingSink{}
	s := New()
	s.AttachSink(sink, true)
	require.NoError(t, s.Start())
	require.NoError(t, s.Write(Packet{Type: "a"}))
	s.Stop()

	require.NoError(t, s.Write(Packet{Type: "a"}))
	require.Len(t, sink.received, 1)
}

func TestStreamResetRestartsCountersWithoutRecreatingProcessors(t *testing.T) {
	fps := &fpsLimiter{priority: 1}
	s := New()
	s.AttachProcessor(fps, true)
	require.NoError(t, s.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(Packet{Type: "video"}))
	}
	require.Equal(t, 10, fps.count)

	s.Reset()
	require.Equal(t, 0, fps.count)

	require.NoError(t, s.Write(Packet{Type: "video"}))
	require.Equal(t, 1, fps.count)
}

func TestStreamClosingRejectsWrites(t *testing.T) {
	s := New()
	require.NoError(t, s.Start())
	s.Close()
	require.Equal(t, StateClosed, s.State())
	err := s.Write(Packet{Type: "x"})
	require.Error(t, err)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Start())
	s.Close()
	s.Close()
	require.Equal(t, StateClosed, s.State())
}
