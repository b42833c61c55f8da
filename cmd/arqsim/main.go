// SPDX-FileCopyrightText: © 2024 arqsim contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Command arqsim runs the Selective Repeat ARQ goodput sweep over the
// Gilbert-Elliot channel model and writes the results as CSV.
package main

import (
	"flag"
	"math/rand"
	"net/http"
	"os"
	"runtime"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arqsim/arqsim/metrics"
	"github.com/arqsim/arqsim/simconfig"
	"github.com/arqsim/arqsim/simulation"
	"github.com/arqsim/arqsim/sweep"
)

func main() {
	var (
		configFile    string
		outFile       string
		fileSize      int
		seed          int64
		runsPerConfig int
		workers       int
		logLevel      string
		metricsAddr   string
	)

	flag.StringVar(&configFile, "config", "", "TOML file giving a single run's full configuration; unset fields are zero (disables the sweep)")
	flag.StringVar(&outFile, "out", "", "CSV output path (default: stdout)")
	flag.IntVar(&fileSize, "file-size", simconfig.Reference.DefaultFileSize, "simulated file size in bytes")
	flag.Int64Var(&seed, "seed", 1, "base PRNG seed")
	flag.IntVar(&runsPerConfig, "runs", simconfig.Reference.RunsPerConfig, "independent runs per configuration")
	flag.IntVar(&workers, "workers", runtime.NumCPU(), "maximum concurrent simulation runs")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	flag.Parse()

	level, err := charmlog.ParseLevel(logLevel)
	if err != nil {
		level = charmlog.InfoLevel
	}
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "arqsim",
		Level:           level,
	})

	var sink *metrics.Sink
	if metricsAddr != "" {
		sink = metrics.NewSink()
		reg := prometheus.NewRegistry()
		sink.MustRegister(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	var cfgs []simconfig.Config
	if configFile != "" {
		cfg, err := simconfig.LoadFile(configFile)
		if err != nil {
			logger.Fatal("loading config", "err", err)
		}
		cfgs = []simconfig.Config{cfg}
	} else {
		cfgs = simconfig.SweepConfigs(seed)
	}

	data := make([]byte, fileSize)
	rand.New(rand.NewSource(seed)).Read(data)

	logger.Info("starting sweep", "configs", len(cfgs), "runs_per_config", runsPerConfig, "workers", workers, "file_size", fileSize)

	var simOpts []simulation.Option
	if sink != nil {
		simOpts = append(simOpts, simulation.WithMetrics(sink))
	}

	results, err := sweep.Run(cfgs, data, runsPerConfig, workers, simOpts...)
	if err != nil {
		logger.Fatal("sweep failed", "err", err)
	}

	averaged := sweep.Averaged(results)
	logger.Info("sweep complete", "runs", len(results), "configs", len(averaged))

	out := os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			logger.Fatal("creating output file", "err", err)
		}
		defer f.Close()
		out = f
	}

	if err := sweep.WriteCSV(out, averaged); err != nil {
		logger.Fatal("writing CSV", "err", err)
	}
}
