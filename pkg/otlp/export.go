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

package otlp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc/credentials"

	"github.com/loxone-community/loxone-exporter/pkg/config"
	"github.com/loxone-community/loxone-exporter/pkg/export"
)

// State is the push loop's lifecycle state, exposed both as the
// loxone_otlp_export_status gauge and as a lowercase string in healthz.
type State int

const (
	StateDisabled State = iota
	StateIdle
	StateExporting
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateExporting:
		return "exporting"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	// failureLatch is the consecutive-failure count at which the loop
	// stops retrying until the next scheduled tick.
	failureLatch = 10
	maxRetryWait = 300 * time.Second

	shutdownWait = 5 * time.Second
)

// transport is the transmit side of the pipeline; both OTLP exporter
// flavors satisfy it, and tests substitute fakes.
type transport interface {
	Export(ctx context.Context, rm *metricdata.ResourceMetrics) error
	Shutdown(ctx context.Context) error
}

// Status is the health snapshot surfaced by /healthz.
type Status struct {
	State               State
	LastSuccess         time.Time
	ConsecutiveFailures int
	LastError           string
}

// Pusher periodically gathers the registry and transmits the converted
// families to the configured OTLP collector. Failures never propagate
// beyond the loop; they only move the state machine.
type Pusher struct {
	logger    log.Logger
	cfg       config.OpenTelemetry
	gatherer  prometheus.Gatherer
	transport transport

	mu          sync.Mutex
	state       State
	failures    int
	lastSuccess time.Time
	lastError   string
	cycleActive bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPusher builds the push loop and its transport from the validated
// configuration.
func NewPusher(logger log.Logger, cfg config.OpenTelemetry, gatherer prometheus.Gatherer) (*Pusher, error) {
	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Pusher{
		logger:    logger,
		cfg:       cfg,
		gatherer:  gatherer,
		transport: t,
		state:     StateIdle,
	}, nil
}

// newTransport builds the gRPC or HTTP/protobuf exporter. Endpoint URLs
// are split into host:port for the option API; the HTTP flavor gains the
// /v1/metrics path when the URL does not already carry it.
func newTransport(cfg config.OpenTelemetry) (transport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse endpoint %q", cfg.Endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Protocol {
	case "http":
		path := u.Path
		if !strings.HasSuffix(path, "/v1/metrics") {
			path = strings.TrimSuffix(path, "/") + "/v1/metrics"
		}
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(host),
			otlpmetrichttp.WithURLPath(path),
			otlpmetrichttp.WithTimeout(timeout),
		}
		if len(cfg.Auth.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Auth.Headers))
		}
		if u.Scheme == "http" && !cfg.TLS.Enabled {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else if cfg.TLS.Enabled && cfg.TLS.CertPath != "" {
			tlsCfg, err := tlsConfigFromPEM(cfg.TLS.CertPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tlsCfg))
		}
		return otlpmetrichttp.New(context.Background(), opts...)

	default: // grpc
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(host),
			otlpmetricgrpc.WithTimeout(timeout),
		}
		if len(cfg.Auth.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Auth.Headers))
		}
		if cfg.TLS.Enabled && cfg.TLS.CertPath != "" {
			creds, err := credentials.NewClientTLSFromFile(cfg.TLS.CertPath, "")
			if err != nil {
				return nil, errors.Wrapf(err, "load TLS trust anchor %q", cfg.TLS.CertPath)
			}
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
		} else {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	}
}

func tlsConfigFromPEM(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read TLS trust anchor %q", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %q", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Run drives the push loop until ctx is canceled, then shuts the
// transport down within the shutdown bound.
func (p *Pusher) Run(ctx context.Context) error {
	interval := time.Duration(p.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.syncHealth()
	_ = level.Info(p.logger).Log("msg", "OTLP push loop started",
		"endpoint", p.cfg.Endpoint, "protocol", p.cfg.Protocol, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return p.Shutdown()
		case <-ticker.C:
			if !p.beginCycle() {
				_ = level.Warn(p.logger).Log("msg", "previous OTLP cycle still running, skipping tick")
				continue
			}
			p.runCycle(ctx)
			p.endCycle()
		}
	}
}

// beginCycle is the overlap guard. It also performs the FAILED reset:
// a latched state unblocks on the next scheduled tick.
func (p *Pusher) beginCycle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cycleActive {
		return false
	}
	if p.state == StateFailed {
		p.failures = 0
		p.state = StateIdle
	}
	p.cycleActive = true
	return true
}

func (p *Pusher) endCycle() {
	p.mu.Lock()
	p.cycleActive = false
	p.mu.Unlock()
}

// runCycle executes one export cycle: gather, convert, transmit, and on
// failure retry once inline after an exponential delay.
func (p *Pusher) runCycle(ctx context.Context) {
	p.setState(StateExporting)

	families, err := p.gatherer.Gather()
	if err != nil {
		p.recordFailure(err)
		return
	}
	rm, points := convert(families, time.Now())

	if err := p.attempt(ctx, rm); err == nil {
		p.recordSuccess(points)
		return
	} else if !p.recordFailure(err) {
		return
	}

	// Inline retry after min(2^(n-1), 300) seconds.
	delay := retryDelay(p.currentFailures())
	p.setState(StateRetrying)
	_ = level.Warn(p.logger).Log("msg", "OTLP export failed, retrying", "delay", delay)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := p.attempt(ctx, rm); err == nil {
		p.recordSuccess(points)
	} else {
		p.recordFailure(err)
	}
}

// attempt transmits one converted snapshot under the per-attempt timeout
// and observes its duration, success or not.
func (p *Pusher) attempt(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutSeconds)*time.Second)
	defer cancel()
	start := time.Now()
	err := p.transport.Export(attemptCtx, rm)
	export.OTLPExportDuration.Observe(time.Since(start).Seconds())
	return err
}

func retryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := time.Second << (failures - 1)
	if delay > maxRetryWait || delay <= 0 {
		delay = maxRetryWait
	}
	return delay
}

func (p *Pusher) recordSuccess(points int) {
	p.mu.Lock()
	p.failures = 0
	p.lastError = ""
	p.lastSuccess = time.Now()
	p.state = StateIdle
	p.mu.Unlock()
	export.OTLPExportedMetrics.Add(float64(points))
	p.syncHealth()
	_ = level.Debug(p.logger).Log("msg", "OTLP export succeeded", "points", points)
}

// recordFailure advances the failure streak and reports whether further
// retries are allowed in this cycle (false once the state latches).
func (p *Pusher) recordFailure(err error) bool {
	p.mu.Lock()
	p.failures++
	p.lastError = err.Error()
	latched := p.failures >= failureLatch
	if latched {
		p.state = StateFailed
	}
	failures := p.failures
	p.mu.Unlock()
	p.syncHealth()
	if latched {
		_ = level.Error(p.logger).Log("msg", "OTLP export latched failed until next tick",
			"consecutive_failures", failures, "err", err)
		return false
	}
	_ = level.Warn(p.logger).Log("msg", "OTLP export failed",
		"consecutive_failures", failures, "err", err)
	return true
}

func (p *Pusher) currentFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Pusher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.syncHealth()
}

// syncHealth mirrors the state machine into the self-health gauges.
func (p *Pusher) syncHealth() {
	p.mu.Lock()
	state, failures, lastSuccess := p.state, p.failures, p.lastSuccess
	p.mu.Unlock()
	export.OTLPStatus.Set(float64(state))
	export.OTLPConsecutiveFailures.Set(float64(failures))
	if !lastSuccess.IsZero() {
		export.OTLPLastSuccess.Set(float64(lastSuccess.UnixNano()) / 1e9)
	}
}

// Status returns the health snapshot for /healthz.
func (p *Pusher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:               p.state,
		LastSuccess:         p.lastSuccess,
		ConsecutiveFailures: p.failures,
		LastError:           p.lastError,
	}
}

// Shutdown stops the transport, bounded by 5 s. Safe to call more than
// once.
func (p *Pusher) Shutdown() error {
	p.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		p.shutdownErr = p.transport.Shutdown(ctx)
	})
	return p.shutdownErr
}
