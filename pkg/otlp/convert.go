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

// Package otlp pushes the exporter's scrape-model metrics to an OTLP
// collector. The Prometheus registry stays the authoritative model; this
// package converts its gathered families on the way out.
package otlp

import (
	"math"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	serviceName = "loxone-prometheus-exporter"
	scopeName   = "loxone_exporter"
)

// convert translates gathered Prometheus families into the OTLP push
// model. Every data point carries the wall-clock timestamp now with a
// zero start time; sums and histograms use cumulative temporality. The
// returned count is the number of data points, used to advance the
// exported-metrics counter after a successful transmit.
func convert(families []*dto.MetricFamily, now time.Time) (*metricdata.ResourceMetrics, int) {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.Version),
	)

	var metrics []metricdata.Metrics
	points := 0
	for _, family := range families {
		name := family.GetName()
		// _created companions carry no information under cumulative
		// temporality.
		if strings.HasSuffix(name, "_created") {
			continue
		}
		m, n := convertFamily(family, now)
		if n == 0 {
			continue
		}
		metrics = append(metrics, m)
		points += n
	}

	return &metricdata.ResourceMetrics{
		Resource: res,
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Scope:   instrumentation.Scope{Name: scopeName, Version: version.Version},
			Metrics: metrics,
		}},
	}, points
}

func convertFamily(family *dto.MetricFamily, now time.Time) (metricdata.Metrics, int) {
	out := metricdata.Metrics{
		Name:        family.GetName(),
		Description: family.GetHelp(),
	}

	switch family.GetType() {
	case dto.MetricType_COUNTER:
		data := metricdata.Sum[float64]{
			Temporality: metricdata.CumulativeTemporality,
			IsMonotonic: true,
		}
		for _, m := range family.GetMetric() {
			data.DataPoints = append(data.DataPoints, metricdata.DataPoint[float64]{
				Attributes: attributes(m),
				Time:       now,
				Value:      m.GetCounter().GetValue(),
			})
		}
		out.Data = data
		return out, len(data.DataPoints)

	case dto.MetricType_HISTOGRAM:
		data := metricdata.Histogram[float64]{
			Temporality: metricdata.CumulativeTemporality,
		}
		for _, m := range family.GetMetric() {
			data.DataPoints = append(data.DataPoints, histogramPoint(m, now))
		}
		out.Data = data
		return out, len(data.DataPoints)

	case dto.MetricType_SUMMARY:
		data := metricdata.Summary{}
		for _, m := range family.GetMetric() {
			s := m.GetSummary()
			point := metricdata.SummaryDataPoint{
				Attributes: attributes(m),
				Time:       now,
				Count:      s.GetSampleCount(),
				Sum:        s.GetSampleSum(),
			}
			for _, q := range s.GetQuantile() {
				point.QuantileValues = append(point.QuantileValues, metricdata.QuantileValue{
					Quantile: q.GetQuantile(),
					Value:    q.GetValue(),
				})
			}
			data.DataPoints = append(data.DataPoints, point)
		}
		out.Data = data
		return out, len(data.DataPoints)

	default:
		// Gauges, info-style gauges and untyped samples all map to an
		// OTLP gauge.
		data := metricdata.Gauge[float64]{}
		for _, m := range family.GetMetric() {
			value := m.GetGauge().GetValue()
			if m.GetUntyped() != nil {
				value = m.GetUntyped().GetValue()
			}
			data.DataPoints = append(data.DataPoints, metricdata.DataPoint[float64]{
				Attributes: attributes(m),
				Time:       now,
				Value:      value,
			})
		}
		out.Data = data
		return out, len(data.DataPoints)
	}
}

// histogramPoint carries the cumulative bucket counts through unchanged
// and appends the +Inf overflow bucket, which Prometheus implies via the
// sample count.
func histogramPoint(m *dto.Metric, now time.Time) metricdata.HistogramDataPoint[float64] {
	h := m.GetHistogram()
	point := metricdata.HistogramDataPoint[float64]{
		Attributes: attributes(m),
		Time:       now,
		Count:      h.GetSampleCount(),
		Sum:        h.GetSampleSum(),
	}
	infCount := h.GetSampleCount()
	for _, b := range h.GetBucket() {
		if math.IsInf(b.GetUpperBound(), +1) {
			infCount = b.GetCumulativeCount()
			continue
		}
		point.Bounds = append(point.Bounds, b.GetUpperBound())
		point.BucketCounts = append(point.BucketCounts, b.GetCumulativeCount())
	}
	point.BucketCounts = append(point.BucketCounts, infCount)
	return point
}

func attributes(m *dto.Metric) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(m.GetLabel()))
	for _, label := range m.GetLabel() {
		kvs = append(kvs, attribute.String(label.GetName(), label.GetValue()))
	}
	return attribute.NewSet(kvs...)
}
