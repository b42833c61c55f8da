// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package simulation wires the channel, link-layer sender/receiver,
// transport adapter and event scheduler into the discrete-event
// simulation driver, and computes the resulting throughput/goodput
// metrics for one (window size, frame payload size) configuration.
package simulation

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/arqsim/arqsim/channel"
	"github.com/arqsim/arqsim/link"
	"github.com/arqsim/arqsim/metrics"
	"github.com/arqsim/arqsim/schedule"
	"github.com/arqsim/arqsim/simconfig"
	"github.com/arqsim/arqsim/transport"
)

// maxIterations bounds the main loop so a misconfigured run reports
// partial progress instead of spinning forever.
const maxIterations = 1_000_000

// sequenceSpace is chosen far above any window this simulator exercises
// (max configured W is 64) so that modular wraparound never interacts
// with a single run's frame count; it exists purely so the link package's
// modular sequence-space policy scales past a single run, per spec.md's
// design notes.
const sequenceSpace = 1 << 40

// stepWhenIdle is the simulated-time nudge applied when the event heap is
// momentarily empty but the run is not yet complete; it exists only to
// let a starved retransmission timer fire, and should never be needed in
// steady state.
const stepWhenIdle = 0.001

// Result is the outcome of one simulation run.
type Result struct {
	WindowSize          int
	FramePayloadSize    int
	Seed                int64
	TotalTime           float64
	BytesDelivered      int
	FramesSent          int
	FramesReceived      int
	FramesRetransmitted int
	RetransmissionRate  float64
	Throughput          float64 // bits/sec, all bytes incl. headers+retransmits
	Goodput             float64 // bytes/sec, application payload only
	Utilization         float64 // Goodput / (bit_rate/8)
	Efficiency          float64 // Goodput*8 / Throughput
	AvgRTT              float64
	BackpressureEvents  int
	Channel             channel.Stats
	Completed           bool
}

// Simulation owns one run's components and simulated time.
type Simulation struct {
	cfg simconfig.Config
	log *log.Logger
	m   *metrics.Sink

	channel     *channel.Channel
	sender      *link.Sender
	receiver    *link.Receiver
	transportTx *transport.Sender
	transportRx *transport.Receiver
	scheduler   *schedule.Scheduler

	now             float64
	rttSamples      []float64
	sendTimestamps  map[uint64]float64
	payloadBitsSent float64
}

// Option configures optional Simulation behavior.
type Option func(*Simulation)

// WithLogger attaches a structured logger; by default logging is
// discarded.
func WithLogger(l *log.Logger) Option {
	return func(s *Simulation) { s.log = l }
}

// WithMetrics attaches a metrics sink; by default no metrics are
// recorded.
func WithMetrics(m *metrics.Sink) Option {
	return func(s *Simulation) { s.m = m }
}

// New constructs a Simulation for cfg. Call Run with the data buffer to
// transmit.
func New(cfg simconfig.Config, opts ...Option) *Simulation {
	s := &Simulation{
		cfg:            cfg,
		channel:        channel.New(cfg.ChannelParams(), cfg.Seed),
		sender:         link.NewSender(cfg.WindowSize, cfg.Timeout(), sequenceSpace),
		receiver:       link.NewReceiver(cfg.WindowSize, sequenceSpace),
		transportRx:    transport.NewReceiver(cfg.ReceiverBufferSize),
		scheduler:      schedule.New(),
		sendTimestamps: make(map[uint64]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
	}
	return s
}

// Run validates cfg against data and executes the simulation to
// completion (or until the iteration safety cap is reached).
func Run(cfg simconfig.Config, data []byte, opts ...Option) (Result, error) {
	if err := cfg.Validate(len(data)); err != nil {
		return Result{}, err
	}
	s := New(cfg, opts...)
	return s.Run(data), nil
}

// Delivered returns the bytes reassembled by the receiver so far. Callers
// that need an end-to-end correctness check on a specific run should use
// New and this accessor rather than the package-level Run helper.
func (s *Simulation) Delivered() []byte {
	if s.transportRx == nil {
		return nil
	}
	return s.transportRx.Data()
}

// Run executes the simulation to completion against data (or until the
// iteration safety cap is reached) and returns the resulting Result.
func (s *Simulation) Run(data []byte) Result {
	s.transportTx = transport.NewSender(data, s.cfg.SegmentSize())

	if s.m != nil {
		s.m.ActiveSimulations.Inc()
		defer s.m.ActiveSimulations.Dec()
	}

	s.log.Debug("starting simulation", "window", s.cfg.WindowSize, "frame_payload", s.cfg.FramePayloadSize, "file_size", len(data))

	framesSent := 0
	framesReceived := 0

	iterations := 0
	for (s.transportTx.HasData() || s.sender.HasPending() || s.scheduler.Len() > 0) && iterations < maxIterations {
		iterations++

		sent := s.fillWindow()
		framesSent += sent

		if peek := s.scheduler.Peek(); peek != nil {
			framesSent += s.retransmitExpired(peek.Time)
		} else {
			framesSent += s.retransmitExpired(s.now)
		}

		if ev := s.scheduler.Pop(); ev != nil {
			s.now = ev.Time
			switch ev.Kind {
			case schedule.FrameArrive:
				if s.dispatchFrameArrive(ev.Data.(*link.Frame)) {
					framesReceived++
				}
			case schedule.AckArrive:
				s.dispatchAckArrive(ev.Data.(*link.Frame))
			}
		} else {
			s.now += stepWhenIdle
		}
	}

	completed := !s.transportTx.HasData() && !s.sender.HasPending() && s.scheduler.Len() == 0

	return s.buildResult(framesSent, framesReceived, completed, len(data))
}

// fillWindow pulls segments from the transport sender into the link
// sender for as long as the send window, pending data, and receiver
// backpressure permit, transmitting each resulting DATA frame.
func (s *Simulation) fillWindow() int {
	sent := 0
	for s.sender.CanSend() && s.transportTx.HasData() && !s.transportRx.IsBackpressureActive() {
		seg := s.transportTx.NextSegment()
		if seg == nil {
			break
		}
		frame := s.sender.SendFrame(seg.Payload, s.now)
		if frame == nil {
			break
		}
		s.sendTimestamps[frame.Seq] = s.now
		s.transmitDataFrame(frame)
		sent++
	}
	return sent
}

// retransmitExpired retransmits every frame whose timer has expired by at,
// reporting each one to the metrics sink alongside link.Sender's own
// retransmission count, and returns the number of frames retransmitted.
func (s *Simulation) retransmitExpired(at float64) int {
	expired := s.sender.CheckTimeouts(at)
	for _, f := range expired {
		s.transmitDataFrame(f)
		if s.m != nil {
			s.m.RetransmissionsTotal.Inc()
		}
	}
	return len(expired)
}

// transmitDataFrame computes the frame's transmission schedule, consults
// the channel for a fresh corruption verdict, and schedules its arrival.
// The channel call happens here -- at transmission time -- so the
// corruption verdict travels with the frame rather than being resampled
// at arrival; retransmissions call this again and get a fresh draw.
func (s *Simulation) transmitDataFrame(frame *link.Frame) {
	bits := frame.SizeBits(s.cfg.LinkHeaderSize)
	txTime := float64(bits) / s.cfg.BitRate

	inFlight := frame.Clone()
	inFlight.Corrupted = s.channel.TransmitFrame(bits)

	delay := txTime + s.cfg.ForwardDelay + s.cfg.ProcessingDelay
	s.scheduler.Push(s.now, delay, schedule.FrameArrive, inFlight)

	s.payloadBitsSent += float64(bits)

	if s.m != nil {
		s.m.FramesSentTotal.Inc()
	}
}

// dispatchFrameArrive runs the receiver state machine on an arriving
// frame, delivers any now-in-order payloads to the transport reassembler,
// and schedules the response control frame's arrival at the sender.
// Returns true iff the frame was accepted without requiring a NAK.
func (s *Simulation) dispatchFrameArrive(frame *link.Frame) bool {
	deliveredFrom := s.receiver.Base()
	resp, delivered := s.receiver.ReceiveFrame(frame)

	for i, payload := range delivered {
		seg := &transport.Segment{Seq: deliveredFrom + uint64(i), Payload: payload}
		accepted := s.transportRx.ReceiveSegment(seg)
		if s.m != nil {
			if accepted {
				s.m.BytesDeliveredTotal.Add(float64(len(payload)))
			} else {
				s.m.BackpressureTotal.Inc()
			}
		}
	}

	if resp != nil {
		delay := s.cfg.ReverseDelay + s.cfg.ProcessingDelay
		s.scheduler.Push(s.now, delay, schedule.AckArrive, resp)
	}

	return resp != nil && resp.Type == link.Ack
}

func (s *Simulation) dispatchAckArrive(frame *link.Frame) {
	switch frame.Type {
	case link.Ack:
		if sentAt, ok := s.sendTimestamps[frame.Seq]; ok {
			s.rttSamples = append(s.rttSamples, s.now-sentAt)
			delete(s.sendTimestamps, frame.Seq)
		}
		s.sender.ReceiveAck(frame.Seq)
	case link.Nak:
		if retransmit := s.sender.ReceiveNak(frame.Seq, s.now); retransmit != nil {
			s.sendTimestamps[frame.Seq] = s.now
			s.transmitDataFrame(retransmit)
			if s.m != nil {
				s.m.RetransmissionsTotal.Inc()
			}
		}
	}
}

func (s *Simulation) buildResult(framesSent, framesReceived int, completed bool, fileSize int) Result {
	totalTime := s.now
	if totalTime <= 0 {
		totalTime = 1
	}

	bytesDelivered := s.transportRx.Len()
	goodput := float64(bytesDelivered) / totalTime

	throughput := s.payloadBitsSent / totalTime

	theoreticalMax := s.cfg.BitRate / 8
	utilization := 0.0
	if theoreticalMax > 0 {
		utilization = goodput / theoreticalMax
	}

	efficiency := 0.0
	if throughput > 0 {
		efficiency = (goodput * 8) / throughput
	}

	retransmitted := s.sender.Retransmissions()
	retransRate := 0.0
	if framesSent > 0 {
		retransRate = float64(retransmitted) / float64(framesSent)
	}

	avgRTT := 0.0
	if len(s.rttSamples) > 0 {
		sum := 0.0
		for _, r := range s.rttSamples {
			sum += r
		}
		avgRTT = sum / float64(len(s.rttSamples))
	}

	if !completed {
		s.log.Warn("simulation did not complete", "delivered", bytesDelivered, "expected", fileSize)
	}

	return Result{
		WindowSize:          s.cfg.WindowSize,
		FramePayloadSize:    s.cfg.FramePayloadSize,
		Seed:                s.cfg.Seed,
		TotalTime:           totalTime,
		BytesDelivered:      bytesDelivered,
		FramesSent:          framesSent,
		FramesReceived:      framesReceived,
		FramesRetransmitted: retransmitted,
		RetransmissionRate:  retransRate,
		Throughput:          throughput,
		Goodput:             goodput,
		Utilization:         utilization,
		Efficiency:          efficiency,
		AvgRTT:              avgRTT,
		BackpressureEvents:  s.transportRx.BackpressureEvents(),
		Channel:             s.channel.Stats(),
		Completed:           completed,
	}
}
