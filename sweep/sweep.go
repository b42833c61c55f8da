// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sweep runs a simulation across a set of configurations, with
// bounded concurrency, and reports the results as CSV.
package sweep

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/arqsim/arqsim/simconfig"
	"github.com/arqsim/arqsim/simulation"
)

// job pairs a configuration with the run index within its repeated runs,
// so results can be traced back to a specific (config, run) pair.
type job struct {
	cfg      simconfig.Config
	runIndex int
}

// Run executes runsPerConfig independent runs of each cfg in cfgs, with at
// most workers simulations executing concurrently, and returns every
// individual run's Result. Each run uses a distinct seed derived from the
// config's base seed and run index, so repeated runs of the same config
// are independent samples rather than exact duplicates.
//
// Run returns an error only if a configuration fails validation against
// data; it then returns the first such error in job order and no results.
func Run(cfgs []simconfig.Config, data []byte, runsPerConfig int, workers int, opts ...simulation.Option) ([]simulation.Result, error) {
	if workers <= 0 {
		workers = 1
	}

	var jobs []job
	for _, cfg := range cfgs {
		for i := 0; i < runsPerConfig; i++ {
			jobs = append(jobs, job{cfg: cfg, runIndex: i})
		}
	}

	results := make([]simulation.Result, len(jobs))
	errs := make([]error, len(jobs))

	sem := make(chan struct{}, workers)
	wg := new(sync.WaitGroup)

	for idx, j := range jobs {
		sem <- struct{}{}
		wg.Add(1)

		go func(idx int, j job) {
			defer wg.Done()
			defer func() { <-sem }()

			runCfg := j.cfg
			runCfg.Seed = deriveSeed(j.cfg.Seed, j.runIndex)

			if err := runCfg.Validate(len(data)); err != nil {
				errs[idx] = errors.Wrapf(err, "sweep: config window=%d frame=%d run=%d", j.cfg.WindowSize, j.cfg.FramePayloadSize, j.runIndex)
				return
			}

			results[idx] = simulation.New(runCfg, opts...).Run(data)
		}(idx, j)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// deriveSeed produces a per-run seed from a config's base seed and run
// index using a seeded generator, so runs stay reproducible given
// (baseSeed, runIndex) without every run sharing the exact same PRNG
// stream.
func deriveSeed(baseSeed int64, runIndex int) int64 {
	r := rand.New(rand.NewSource(baseSeed + int64(runIndex)*1_000_003))
	return r.Int63()
}

// Averaged groups results by (WindowSize, FramePayloadSize) and returns one
// Result per group holding the arithmetic mean of each numeric metric. The
// Seed field of an averaged Result is meaningless and left zero, the
// Channel statistics are not averaged and stay zero, and Completed is true
// if any run in the group completed.
func Averaged(results []simulation.Result) []simulation.Result {
	type key struct {
		window, frame int
	}
	groups := make(map[key][]simulation.Result)
	var order []key

	for _, r := range results {
		k := key{r.WindowSize, r.FramePayloadSize}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := make([]simulation.Result, 0, len(order))
	for _, k := range order {
		group := groups[k]
		n := float64(len(group))

		var avg simulation.Result
		avg.WindowSize = k.window
		avg.FramePayloadSize = k.frame

		for _, r := range group {
			avg.TotalTime += r.TotalTime / n
			avg.BytesDelivered += r.BytesDelivered
			avg.FramesSent += r.FramesSent
			avg.FramesReceived += r.FramesReceived
			avg.FramesRetransmitted += r.FramesRetransmitted
			avg.RetransmissionRate += r.RetransmissionRate / n
			avg.Throughput += r.Throughput / n
			avg.Goodput += r.Goodput / n
			avg.Utilization += r.Utilization / n
			avg.Efficiency += r.Efficiency / n
			avg.AvgRTT += r.AvgRTT / n
			avg.BackpressureEvents += r.BackpressureEvents
			if r.Completed {
				avg.Completed = true
			}
		}
		avg.BytesDelivered = int(float64(avg.BytesDelivered) / n)
		avg.FramesSent = int(float64(avg.FramesSent) / n)
		avg.FramesReceived = int(float64(avg.FramesReceived) / n)
		avg.FramesRetransmitted = int(float64(avg.FramesRetransmitted) / n)
		avg.BackpressureEvents = int(float64(avg.BackpressureEvents) / n)

		out = append(out, avg)
	}
	return out
}

var csvHeader = []string{
	"window_size", "frame_payload_size", "seed", "total_time",
	"bytes_delivered", "frames_sent", "frames_received", "frames_retransmitted",
	"retransmission_rate", "throughput_bps", "goodput_bps", "utilization",
	"efficiency", "avg_rtt", "backpressure_events", "completed",
}

// WriteCSV writes results as CSV, one row per Result, to w.
func WriteCSV(w io.Writer, results []simulation.Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return errors.Wrap(err, "sweep: writing CSV header")
	}

	for _, r := range results {
		row := []string{
			fmt.Sprintf("%d", r.WindowSize),
			fmt.Sprintf("%d", r.FramePayloadSize),
			fmt.Sprintf("%d", r.Seed),
			fmt.Sprintf("%.6f", r.TotalTime),
			fmt.Sprintf("%d", r.BytesDelivered),
			fmt.Sprintf("%d", r.FramesSent),
			fmt.Sprintf("%d", r.FramesReceived),
			fmt.Sprintf("%d", r.FramesRetransmitted),
			fmt.Sprintf("%.6f", r.RetransmissionRate),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.2f", r.Goodput),
			fmt.Sprintf("%.6f", r.Utilization),
			fmt.Sprintf("%.6f", r.Efficiency),
			fmt.Sprintf("%.6f", r.AvgRTT),
			fmt.Sprintf("%d", r.BackpressureEvents),
			fmt.Sprintf("%t", r.Completed),
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "sweep: writing CSV row")
		}
	}

	if err := cw.Error(); err != nil {
		return errors.Wrap(err, "sweep: flushing CSV writer")
	}
	return nil
}
