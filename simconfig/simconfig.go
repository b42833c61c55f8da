// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package simconfig holds per-run simulation configuration, the fixed
// reference parameters the sweep uses, and validation.
package simconfig

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/arqsim/arqsim/channel"
)

// Config is the configuration for a single simulation run.
type Config struct {
	WindowSize          int     `toml:"window_size"`
	FramePayloadSize    int     `toml:"frame_payload_size"`
	FileSize            int     `toml:"file_size"`
	TransportHeaderSize int     `toml:"transport_header_size"`
	LinkHeaderSize      int     `toml:"link_header_size"`
	ReceiverBufferSize  int     `toml:"receiver_buffer_size"`
	BitRate             float64 `toml:"bit_rate"`
	ForwardDelay        float64 `toml:"forward_delay"`
	ReverseDelay        float64 `toml:"reverse_delay"`
	ProcessingDelay     float64 `toml:"processing_delay"`
	GoodBER             float64 `toml:"good_ber"`
	BadBER              float64 `toml:"bad_ber"`
	PGoodToBad          float64 `toml:"p_good_to_bad"`
	PBadToGood          float64 `toml:"p_bad_to_good"`
	Seed                int64   `toml:"seed"`
}

// ChannelParams extracts the Gilbert-Elliot parameters from Config.
func (c Config) ChannelParams() channel.Params {
	return channel.Params{
		GoodBER:    c.GoodBER,
		BadBER:     c.BadBER,
		PGoodToBad: c.PGoodToBad,
		PBadToGood: c.PBadToGood,
	}
}

// SegmentSize is the maximum transport payload per frame:
// frame_payload_size - transport_header_size.
func (c Config) SegmentSize() int {
	return c.FramePayloadSize - c.TransportHeaderSize
}

// RTT returns the round-trip time implied by the configured delays.
func (c Config) RTT() float64 {
	return c.ForwardDelay + c.ReverseDelay + 2*c.ProcessingDelay
}

// Timeout returns the per-frame retransmission timeout: 2.5*RTT, floored
// at MinTimeout.
func (c Config) Timeout() float64 {
	t := c.RTT() * TimeoutMultiplier
	if t < MinTimeout {
		return MinTimeout
	}
	return t
}

// Timeout tuning constants, fixed by the protocol design (spec.md §4.2).
const (
	TimeoutMultiplier = 2.5
	MinTimeout        = 0.1 // seconds
)

var (
	// ErrMissingData is returned when Validate is called with no data
	// buffer to transmit.
	ErrMissingData = errors.New("simconfig: no data buffer provided")
	// ErrNonPositiveWindow is returned when WindowSize <= 0.
	ErrNonPositiveWindow = errors.New("simconfig: window_size must be positive")
	// ErrNonPositiveFrame is returned when FramePayloadSize <= 0.
	ErrNonPositiveFrame = errors.New("simconfig: frame_payload_size must be positive")
	// ErrNonPositiveSegment is returned when transport_header_size leaves
	// no room for payload in a frame.
	ErrNonPositiveSegment = errors.New("simconfig: transport_header_size must be smaller than frame_payload_size")
)

// Validate checks configuration errors that must be reported synchronously
// before a run starts, with no partial state emitted. dataLen is the
// length of the byte buffer the caller intends to transmit.
func (c Config) Validate(dataLen int) error {
	if dataLen <= 0 {
		return errors.WithStack(ErrMissingData)
	}
	if c.WindowSize <= 0 {
		return errors.WithStack(ErrNonPositiveWindow)
	}
	if c.FramePayloadSize <= 0 {
		return errors.WithStack(ErrNonPositiveFrame)
	}
	if c.SegmentSize() <= 0 {
		return errors.WithStack(ErrNonPositiveSegment)
	}
	return nil
}

// Reference holds the fixed parameters used by the W/L parameter sweep
// (spec.md §6).
var Reference = struct {
	BitRate             float64
	ForwardDelay        float64
	ReverseDelay        float64
	ProcessingDelay     float64
	GoodBER             float64
	BadBER              float64
	PGoodToBad          float64
	PBadToGood          float64
	LinkHeaderSize      int
	TransportHeaderSize int
	ReceiverBufferSize  int
	WindowSizes         []int
	FramePayloads       []int
	DefaultFileSize     int
	RunsPerConfig       int
}{
	BitRate:             10_000_000,
	ForwardDelay:        0.040,
	ReverseDelay:        0.010,
	ProcessingDelay:     0.002,
	GoodBER:             1e-6,
	BadBER:              5e-3,
	PGoodToBad:          0.002,
	PBadToGood:          0.05,
	LinkHeaderSize:      24,
	TransportHeaderSize: 8,
	ReceiverBufferSize:  256 * 1024,
	WindowSizes:         []int{2, 4, 8, 16, 32, 64},
	FramePayloads:       []int{128, 256, 512, 1024, 2048, 4096},
	DefaultFileSize:     100 * 1024 * 1024,
	RunsPerConfig:       10,
}

// Default returns a Config populated from Reference for the given window
// size, frame payload size, and seed.
func Default(windowSize, framePayloadSize int, seed int64) Config {
	return Config{
		WindowSize:          windowSize,
		FramePayloadSize:    framePayloadSize,
		FileSize:            Reference.DefaultFileSize,
		TransportHeaderSize: Reference.TransportHeaderSize,
		LinkHeaderSize:      Reference.LinkHeaderSize,
		ReceiverBufferSize:  Reference.ReceiverBufferSize,
		BitRate:             Reference.BitRate,
		ForwardDelay:        Reference.ForwardDelay,
		ReverseDelay:        Reference.ReverseDelay,
		ProcessingDelay:     Reference.ProcessingDelay,
		GoodBER:             Reference.GoodBER,
		BadBER:              Reference.BadBER,
		PGoodToBad:          Reference.PGoodToBad,
		PBadToGood:          Reference.PBadToGood,
		Seed:                seed,
	}
}

// LoadFile reads a single run Config from a TOML file. Unset fields keep
// their Go zero values; no values from Default or Reference are filled in.
func LoadFile(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "simconfig: reading %s", path)
	}
	if _, err := toml.Decode(string(data), &c); err != nil {
		return c, errors.Wrapf(err, "simconfig: decoding %s", path)
	}
	return c, nil
}

// SweepConfigs returns one Config per (window, payload) pair in the
// reference sweep lists, all sharing the given seed.
func SweepConfigs(seed int64) []Config {
	cfgs := make([]Config, 0, len(Reference.WindowSizes)*len(Reference.FramePayloads))
	for _, w := range Reference.WindowSizes {
		for _, l := range Reference.FramePayloads {
			cfgs = append(cfgs, Default(w, l, seed))
		}
	}
	return cfgs
}
