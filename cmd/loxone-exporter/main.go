// Copyright 2025 The loxone-exporter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The loxone-exporter binary mirrors one or more Loxone Miniservers over
// WebSocket and exposes their control states as Prometheus metrics, with
// an optional OTLP push pipeline.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"

	"github.com/loxone-community/loxone-exporter/pkg/config"
	"github.com/loxone-community/loxone-exporter/pkg/export"
	"github.com/loxone-community/loxone-exporter/pkg/logging"
	"github.com/loxone-community/loxone-exporter/pkg/loxone"
	"github.com/loxone-community/loxone-exporter/pkg/otlp"
	"github.com/loxone-community/loxone-exporter/pkg/web"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	a := kingpin.New("loxone-exporter", "Prometheus and OTLP exporter for Loxone Miniservers.")
	configFile := a.Flag("config.file", "Path to the YAML configuration file. Defaults to config.yml/config.yaml in the working directory; environment variables alone are also sufficient.").
		Default("").String()
	listenOverride := a.Flag("web.listen-address", "Override the address to serve /metrics and /healthz on.").
		Default("").String()
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing command line:", err)
		return exitConfig
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", logging.Sanitize(err.Error()))
		return exitConfig
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	_ = level.Info(logger).Log("msg", "starting loxone-exporter",
		"version", version.Version, "miniservers", len(cfg.Miniservers))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	export.RegisterHealth(registry)

	filters, err := export.NewFilters(cfg.ExcludeRooms, cfg.ExcludeTypes, cfg.ExcludeNames, cfg.IncludeTextValues)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return exitConfig
	}

	mirrors := make([]*loxone.Mirror, 0, len(cfg.Miniservers))
	clients := make([]*loxone.Client, 0, len(cfg.Miniservers))
	for _, ms := range cfg.Miniservers {
		mirror := loxone.NewMirror(ms.Name)
		mirrors = append(mirrors, mirror)
		clients = append(clients, loxone.NewClient(logger, loxone.ClientConfig{
			Name:            ms.Name,
			Host:            ms.Host,
			Port:            ms.Port,
			SSLPort:         ms.SSLPort,
			Username:        ms.Username,
			Password:        ms.Password,
			ForceEncryption: ms.ForceEncryption || ms.UseEncryption,
		}, mirror))
	}

	collector := export.NewCollector(mirrors, filters)
	registry.MustRegister(collector)

	var pusher *otlp.Pusher
	if cfg.OpenTelemetry.Enabled {
		export.RegisterOTLPHealth(registry)
		pusher, err = otlp.NewPusher(log.With(logger, "component", "otlp"), cfg.OpenTelemetry, registry)
		if err != nil {
			_ = level.Error(logger).Log("msg", "building OTLP pipeline", "err", err)
			return exitFatal
		}
	}

	var otlpStatus interface{ Status() otlp.Status }
	if pusher != nil {
		otlpStatus = pusher
	}
	handler := web.NewHandler(log.With(logger, "component", "web"), registry, collector, mirrors, otlpStatus)

	listenAddr := net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort))
	if *listenOverride != "" {
		listenAddr = *listenOverride
	}
	server := &http.Server{
		Addr:    listenAddr,
		Handler: handler.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	for _, client := range clients {
		client := client
		g.Add(func() error {
			return client.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(func() error {
		_ = level.Info(logger).Log("msg", "listening", "address", listenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return errors.Wrap(err, "HTTP listener")
		}
		return nil
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	})

	if pusher != nil {
		g.Add(func() error {
			return pusher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			_ = level.Info(logger).Log("msg", "received signal, shutting down", "signal", sigErr.Signal)
			return exitOK
		}
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		return exitFatal
	}
	return exitOK
}
