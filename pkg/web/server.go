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

// Package web serves the scrape and health endpoints.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/loxone-community/loxone-exporter/pkg/export"
	"github.com/loxone-community/loxone-exporter/pkg/loxone"
	"github.com/loxone-community/loxone-exporter/pkg/otlp"
)

// statusReporter is satisfied by the OTLP pusher; nil when push is
// disabled.
type statusReporter interface {
	Status() otlp.Status
}

// Handler serves /metrics and /healthz.
type Handler struct {
	logger    log.Logger
	gatherer  prometheus.Gatherer
	collector *export.Collector
	mirrors   []*loxone.Mirror
	otlp      statusReporter
}

// NewHandler wires the HTTP surface. otlpStatus may be nil.
func NewHandler(logger log.Logger, gatherer prometheus.Gatherer, collector *export.Collector, mirrors []*loxone.Mirror, otlpStatus statusReporter) *Handler {
	return &Handler{
		logger:    logger,
		gatherer:  gatherer,
		collector: collector,
		mirrors:   mirrors,
		otlp:      otlpStatus,
	}
}

// Router returns the route mux for the HTTP server.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", h.metrics)
	mux.HandleFunc("/healthz", h.healthz)
	return mux
}

// metrics serializes the gathered families in the Prometheus text
// exposition format. A projection failure counts against
// scrape_errors_total and returns 500; it never kills the process.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	families, err := h.gatherer.Gather()
	if err != nil {
		export.ScrapeErrors.Inc()
		_ = level.Error(h.logger).Log("msg", "metric projection failed", "err", err)
		http.Error(w, "metric projection failed", http.StatusInternalServerError)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			_ = level.Error(h.logger).Log("msg", "encode metric family", "family", family.GetName(), "err", err)
			return
		}
	}
}

type healthMiniserver struct {
	Name               string  `json:"name"`
	Connected          bool    `json:"connected"`
	LastUpdate         *string `json:"last_update"`
	ControlsDiscovered int     `json:"controls_discovered"`
	ControlsExported   int     `json:"controls_exported"`
}

type healthOTLP struct {
	State               string  `json:"state"`
	LastSuccess         *string `json:"last_success"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastError           string  `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status      string             `json:"status"`
	Miniservers []healthMiniserver `json:"miniservers"`
	OTLP        *healthOTLP        `json:"otlp,omitempty"`
}

// healthz reports overall exporter health: healthy when every session is
// connected, unhealthy (503) when none is, degraded otherwise or when
// the OTLP loop has latched failed.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Miniservers: make([]healthMiniserver, 0, len(h.mirrors))}

	connected := 0
	for _, mirror := range h.mirrors {
		var entry healthMiniserver
		mirror.Read(func(v loxone.MirrorView) {
			entry = healthMiniserver{
				Name:       v.Name,
				Connected:  v.Connected,
				LastUpdate: timePtr(v.LastUpdate),
			}
		})
		entry.ControlsDiscovered, entry.ControlsExported = h.collector.MirrorCounts(entry.Name)
		if entry.Connected {
			connected++
		}
		resp.Miniservers = append(resp.Miniservers, entry)
	}

	switch {
	case connected == len(h.mirrors) && len(h.mirrors) > 0:
		resp.Status = "healthy"
	case connected > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "unhealthy"
	}

	if h.otlp != nil {
		status := h.otlp.Status()
		resp.OTLP = &healthOTLP{
			State:               status.State.String(),
			LastSuccess:         timePtr(status.LastSuccess),
			ConsecutiveFailures: status.ConsecutiveFailures,
			LastError:           status.LastError,
		}
		if status.State == otlp.StateFailed && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		_ = level.Debug(h.logger).Log("msg", "encode health response", "err", err)
	}
}

func timePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
