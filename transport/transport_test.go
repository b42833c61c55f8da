package transport_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/arqsim/arqsim/transport"
)

func TestSegmentationRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 103) // 1030 bytes, irregular vs segment size
	const segSize = 64

	s := transport.NewSender(data, segSize)
	var reassembled []byte
	count := 0
	for s.HasData() {
		seg := s.NextSegment()
		require.NotNil(t, seg)
		require.LessOrEqual(t, len(seg.Payload), segSize)
		reassembled = append(reassembled, seg.Payload...)
		count++
	}

	expectedSegments := (len(data) + segSize - 1) / segSize
	require.Equal(t, expectedSegments, count)
	require.True(t, bytes.Equal(data, reassembled))
}

func TestReassemblyHandlesOutOfOrderDelivery(t *testing.T) {
	data := []byte("hello world, this is reassembled")
	const segSize = 5
	s := transport.NewSender(data, segSize)

	var segs []*transport.Segment
	for s.HasData() {
		segs = append(segs, s.NextSegment())
	}

	r := transport.NewReceiver(1 << 20)
	// Feed in reverse order.
	for i := len(segs) - 1; i >= 0; i-- {
		require.True(t, r.ReceiveSegment(segs[i]))
	}

	require.True(t, bytes.Equal(data, r.Data()))
}

func TestReassemblyIdempotence(t *testing.T) {
	data := []byte("idempotent reassembly check")
	const segSize = 4
	s := transport.NewSender(data, segSize)

	var segs []*transport.Segment
	for s.HasData() {
		segs = append(segs, s.NextSegment())
	}

	feed := func() []byte {
		r := transport.NewReceiver(1 << 20)
		for _, seg := range segs {
			r.ReceiveSegment(seg)
		}
		return r.Data()
	}

	first := feed()
	r := transport.NewReceiver(1 << 20)
	for _, seg := range segs {
		r.ReceiveSegment(seg)
	}
	for _, seg := range segs {
		r.ReceiveSegment(seg) // re-deliver identical list
	}

	if diff := cmp.Diff(first, r.Data()); diff != "" {
		t.Fatalf("reassembly not idempotent (-want +got):\n%s", diff)
	}
}

func TestBackpressureActivatesOnOutOfOrderGapAndClearsOnDrain(t *testing.T) {
	r := transport.NewReceiver(10)
	// seg1 arrives before seg0: it cannot drain yet, so it occupies the
	// full 10 bytes of capacity.
	seg1 := &transport.Segment{Seq: 1, Payload: []byte("0123456789")}
	require.True(t, r.ReceiveSegment(seg1))
	require.True(t, r.IsBackpressureActive())

	seg2 := &transport.Segment{Seq: 2, Payload: []byte("x")}
	require.False(t, r.ReceiveSegment(seg2), "capacity exhausted, new segment rejected")
	require.Equal(t, 1, r.BackpressureEvents())

	seg0 := &transport.Segment{Seq: 0, Payload: []byte("y")}
	require.True(t, r.ReceiveSegment(seg0))
	// seg0 and the now-contiguous seg1 both drain, freeing capacity.
	require.False(t, r.IsBackpressureActive())
}
