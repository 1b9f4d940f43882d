// Copyright 2024 the uastream Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// uastreamd drives an audio streaming device with a generated test
// tone. The device is simulated in process, which makes the daemon a
// workbench for the negotiation, control and clock-recovery paths:
// stream counters are exported over HTTP for inspection while the tone
// plays.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/uaclass/uastream"
	"github.com/uaclass/uastream/sim"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	profile, err := configuredProfile()
	if err != nil {
		return err
	}

	simDev := sim.NewDevice(profile, log.With(logger, "component", "sim"))
	simDev.Run(context.Background())
	defer func() { _ = simDev.Close() }()

	dev := uastream.NewStreamingDevice(simDev, simDev,
		uastream.WithLogger(logger), uastream.WithRegistry(simDev))
	setting, raw := simDev.Descriptors()
	if err := dev.Configure(setting, raw); err != nil {
		return errors.Wrap(err, "failed to configure streaming device")
	}
	defer func() { _ = dev.Close() }()

	rate := viper.GetUint32("rate")
	if err := dev.SetSampleRate(rate); err != nil {
		return errors.Wrapf(err, "failed to set sample rate %d Hz", rate)
	}

	caps := dev.GetCapabilities()
	if caps.VolumeSupported {
		if !dev.SetVolume(0, viper.GetInt("volume-db")) || !dev.SetVolume(1, viper.GetInt("volume-db")) {
			return errors.New("failed to set volume")
		}
	}
	if caps.MuteSupported && viper.GetBool("mute") {
		if !dev.SetMute(true) {
			return errors.New("failed to mute")
		}
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerStreamMetrics(r, dev)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; draining the stream; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Feed the stream one chunk per millisecond.
		ctx, cancel := context.WithCancel(context.Background())
		tone := newToneSource(dev, viper.GetUint("tone-hz"))
		g.Add(func() error {
			_ = logger.Log("msg", fmt.Sprintf("Streaming a %d Hz tone to %s.", viper.GetUint("tone-hz"), dev.Name()))
			return tone.stream(ctx)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

// registerStreamMetrics exposes the device's stream counters.
func registerStreamMetrics(r prometheus.Registerer, dev *uastream.StreamingDevice) {
	r.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "uastream_chunks_submitted_total",
			Help: "Number of audio chunks submitted to the device.",
		}, func() float64 { return float64(dev.Stats().Chunks) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "uastream_bytes_submitted_total",
			Help: "Number of audio bytes submitted to the device.",
		}, func() float64 { return float64(dev.Stats().Bytes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "uastream_feedback_updates_total",
			Help: "Number of feedback samples folded into the chunk size.",
		}, func() float64 { return float64(dev.Stats().FeedbackUpdates) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uastream_sample_rate_hz",
			Help: "Active sample rate of the stream.",
		}, func() float64 { return float64(dev.SampleRate()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uastream_chunk_size_bytes",
			Help: "Current size of one audio chunk.",
		}, func() float64 { return float64(dev.ChunkSizeBytes()) }),
	)
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
