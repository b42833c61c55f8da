// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport segments a byte stream into link-layer payloads and
// reassembles delivered payloads back into a byte stream, with
// receive-side backpressure modeling flow control above the ARQ layer.
package transport

// Segment is a slice of the source byte stream tagged with its order
// index and whether it is the final segment.
type Segment struct {
	Seq     uint64
	Payload []byte
	Last    bool
}

// Sender segments an in-memory byte buffer for transmission.
type Sender struct {
	data        []byte
	segmentSize int
	offset      int
	seq         uint64
}

// NewSender creates a Sender over data, yielding segments of at most
// segmentSize bytes.
func NewSender(data []byte, segmentSize int) *Sender {
	return &Sender{data: data, segmentSize: segmentSize}
}

// HasData reports whether any bytes remain unsegmented.
func (s *Sender) HasData() bool {
	return s.offset < len(s.data)
}

// NextSegment returns the next segment of the source data, advancing the
// internal offset, or nil if all data has already been segmented.
func (s *Sender) NextSegment() *Segment {
	if !s.HasData() {
		return nil
	}

	end := s.offset + s.segmentSize
	if end > len(s.data) {
		end = len(s.data)
	}

	seg := &Segment{
		Seq:     s.seq,
		Payload: s.data[s.offset:end],
		Last:    end >= len(s.data),
	}
	s.offset = end
	s.seq++
	return seg
}

// Receiver reassembles segments into a contiguous byte buffer. Segments
// that arrive out of order are held in an internal reordering buffer
// until contiguous delivery is possible; IsBackpressureActive reports
// whether that reordering buffer has filled, which the driver uses to
// pause pulling new segments from the sender. Because the link layer
// beneath this adapter already guarantees in-order delivery within its own
// receive window, the reordering buffer here is normally drained on the
// same call it is filled on: backpressure models the flow-control signal
// an upstream layer could produce, without requiring it to ever actually
// stall a well-formed run.
type Receiver struct {
	capacity         int
	buffer           map[uint64]*Segment
	used             int
	nextExpected     uint64
	delivered        []byte
	backpressureHits int
}

// NewReceiver creates a Receiver with the given reassembly buffer
// capacity in bytes.
func NewReceiver(capacity int) *Receiver {
	return &Receiver{capacity: capacity, buffer: make(map[uint64]*Segment)}
}

// IsBackpressureActive reports whether the reordering buffer has reached
// capacity; the driver must not pull a new segment from the sender while
// this holds.
func (r *Receiver) IsBackpressureActive() bool {
	return r.used >= r.capacity
}

// BackpressureEvents returns the number of segment deliveries rejected
// because capacity was exhausted at the time they arrived.
func (r *Receiver) BackpressureEvents() int {
	return r.backpressureHits
}

// ReceiveSegment buffers an incoming segment and drains any now-contiguous
// run starting at the next expected sequence number. Returns false if an
// out-of-order segment could not be buffered because capacity was already
// exhausted; the segment at the next expected sequence number is always
// accepted, since it drains at once.
func (r *Receiver) ReceiveSegment(seg *Segment) bool {
	if seg.Seq < r.nextExpected {
		// Already delivered; re-feeding the same segment is a no-op so
		// that repeated deliveries stay idempotent.
		return true
	}

	if seg.Seq != r.nextExpected && r.used+len(seg.Payload) > r.capacity {
		r.backpressureHits++
		return false
	}

	r.buffer[seg.Seq] = seg
	r.used += len(seg.Payload)
	r.drain()
	return true
}

func (r *Receiver) drain() {
	for {
		seg, ok := r.buffer[r.nextExpected]
		if !ok {
			break
		}
		r.delivered = append(r.delivered, seg.Payload...)
		r.used -= len(seg.Payload)
		delete(r.buffer, r.nextExpected)
		r.nextExpected++
	}
}

// Data returns the bytes reassembled so far.
func (r *Receiver) Data() []byte {
	return r.delivered
}

// Len returns the number of bytes reassembled so far.
func (r *Receiver) Len() int {
	return len(r.delivered)
}
