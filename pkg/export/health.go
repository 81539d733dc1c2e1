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

package export

import "github.com/prometheus/client_golang/prometheus"

// Process-wide health metrics. The scrape handler and the OTLP push loop
// write them; the projector output carries them through the registry.
var (
	ScrapeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loxone_exporter_scrape_errors_total",
		Help: "Scrapes that failed with an internal projection error.",
	})

	OTLPStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loxone_otlp_export_status",
		Help: "OTLP push state: 0=disabled, 1=idle, 2=exporting, 3=retrying, 4=failed.",
	})

	OTLPLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loxone_otlp_last_success_timestamp_seconds",
		Help: "Wall-clock time of the last successful OTLP export.",
	})

	OTLPConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loxone_otlp_consecutive_failures",
		Help: "Current streak of failed OTLP export attempts.",
	})

	OTLPExportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loxone_otlp_export_duration_seconds",
		Help:    "Duration of OTLP export attempts, successful or not.",
		Buckets: prometheus.DefBuckets,
	})

	OTLPExportedMetrics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loxone_otlp_exported_metrics_total",
		Help: "Data points delivered in successful OTLP export cycles.",
	})
)

// RegisterHealth adds the scrape-error counter to the registry. The
// OTLP self-health set is registered separately by the push loop so a
// scrape-only deployment never exposes idle OTLP families.
func RegisterHealth(reg prometheus.Registerer) {
	reg.MustRegister(ScrapeErrors)
}

// RegisterOTLPHealth adds the OTLP self-health metrics to the registry.
func RegisterOTLPHealth(reg prometheus.Registerer) {
	reg.MustRegister(OTLPStatus, OTLPLastSuccess, OTLPConsecutiveFailures,
		OTLPExportDuration, OTLPExportedMetrics)
}
