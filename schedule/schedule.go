// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package schedule implements the simulation's event heap: a min-heap of
// timed events keyed by (time, insertion order) so that simultaneous
// events retain a stable, reproducible dispatch order.
//
// This generalizes the retransmission-timer-queue idiom the rest of this
// codebase uses elsewhere for a single purpose (see link.Sender's own
// timer bookkeeping) into a general two-kind event heap driving the
// simulation's main loop.
package schedule

import "container/heap"

// Kind distinguishes the two event types the simulation driver schedules.
type Kind uint8

const (
	// FrameArrive signals a DATA frame reaching the receiver.
	FrameArrive Kind = iota
	// AckArrive signals a control frame (ACK or NAK) reaching the sender.
	AckArrive
)

// Event is a single scheduled occurrence. Data is opaque to the scheduler;
// the simulation driver stores a *link.Frame in it.
type Event struct {
	Time    float64
	Kind    Kind
	Data    interface{}
	seq     uint64
	heapIdx int
}

// eventHeap implements container/heap.Interface, ordering by (Time, seq)
// so that events scheduled for the same simulated time dispatch in the
// order they were pushed.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Time != h[j].Time {
		return h[i].Time < h[j].Time
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*Event)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap of timed events. It keeps no clock of its own:
// the caller passes the current simulated time to Push and advances its
// clock from the Time of each popped event.
type Scheduler struct {
	heap    eventHeap
	counter uint64
}

// New creates an empty Scheduler.
func New() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.heap)
	return s
}

// Push schedules kind/data to fire at now+delay and returns the scheduled
// event time.
func (s *Scheduler) Push(now, delay float64, kind Kind, data interface{}) float64 {
	e := &Event{
		Time: now + delay,
		Kind: kind,
		Data: data,
		seq:  s.counter,
	}
	s.counter++
	heap.Push(&s.heap, e)
	return e.Time
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	return s.heap.Len()
}

// Peek returns the earliest pending event without removing it, or nil if
// the scheduler is empty.
func (s *Scheduler) Peek() *Event {
	if len(s.heap) == 0 {
		return nil
	}
	return s.heap[0]
}

// Pop removes and returns the earliest pending event, or nil if the
// scheduler is empty.
func (s *Scheduler) Pop() *Event {
	if len(s.heap) == 0 {
		return nil
	}
	return heap.Pop(&s.heap).(*Event)
}
