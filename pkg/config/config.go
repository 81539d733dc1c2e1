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

// Package config loads and validates the exporter configuration from a
// YAML file and the LOXONE_* environment override set.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied during load.
const (
	DefaultPort       = 80
	DefaultSSLPort    = 443
	DefaultListenAddr = "0.0.0.0"
	DefaultListenPort = 9504

	minOTLPInterval = 10
	maxOTLPInterval = 300
	minOTLPTimeout  = 5
	maxOTLPTimeout  = 60
)

// defaultFiles are probed in order when no --config.file is given.
var defaultFiles = []string{"config.yml", "config.yaml"}

// Miniserver is one controller entry.
type Miniserver struct {
	Name            string `yaml:"name"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	SSLPort         int    `yaml:"ssl_port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	UseEncryption   bool   `yaml:"use_encryption"`
	ForceEncryption bool   `yaml:"force_encryption"`
}

// TLS configures the OTLP transport certificate check.
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
}

// Auth carries verbatim headers attached to every OTLP request.
type Auth struct {
	Headers map[string]string `yaml:"headers"`
}

// OpenTelemetry configures the optional OTLP push pipeline.
type OpenTelemetry struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Protocol        string `yaml:"protocol"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	TLS             TLS    `yaml:"tls"`
	Auth            Auth   `yaml:"auth"`
}

// Config is the validated, immutable process configuration.
type Config struct {
	Miniservers []Miniserver `yaml:"miniservers"`

	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ExcludeRooms []string `yaml:"exclude_rooms"`
	ExcludeTypes []string `yaml:"exclude_types"`
	ExcludeNames []string `yaml:"exclude_names"`

	IncludeTextValues bool `yaml:"include_text_values"`

	OpenTelemetry OpenTelemetry `yaml:"opentelemetry"`
}

// Load reads the configuration from path, applies environment overrides
// and validates the result. An empty path probes config.yml and
// config.yaml in the working directory; when neither exists the exporter
// can still run from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: DefaultListenAddr,
		ListenPort:    DefaultListenPort,
		LogLevel:      "info",
		LogFormat:     "json",
		OpenTelemetry: OpenTelemetry{
			Protocol:        "grpc",
			IntervalSeconds: 30,
			TimeoutSeconds:  15,
		},
	}

	if path == "" {
		for _, candidate := range defaultFiles {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %q", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %q", path)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv merges the LOXONE_* environment override set. Miniserver
// overrides target the first entry, creating it when the file declared
// none.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOXONE_HOST"); v != "" {
		c.firstMiniserver().Host = v
	}
	if v := os.Getenv("LOXONE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.firstMiniserver().Port = n
		}
	}
	if v := os.Getenv("LOXONE_USERNAME"); v != "" {
		c.firstMiniserver().Username = v
	}
	if v := os.Getenv("LOXONE_PASSWORD"); v != "" {
		c.firstMiniserver().Password = v
	}
	if v := os.Getenv("LOXONE_NAME"); v != "" {
		c.firstMiniserver().Name = v
	}
	if v := os.Getenv("LOXONE_LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ListenPort = n
		}
	}
	if v := os.Getenv("LOXONE_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}

	otlp := &c.OpenTelemetry
	if v := os.Getenv("LOXONE_OTLP_ENABLED"); v != "" {
		otlp.Enabled = isTruthy(v)
	}
	if v := os.Getenv("LOXONE_OTLP_ENDPOINT"); v != "" {
		otlp.Endpoint = v
	}
	if v := os.Getenv("LOXONE_OTLP_PROTOCOL"); v != "" {
		otlp.Protocol = strings.ToLower(v)
	}
	if v := os.Getenv("LOXONE_OTLP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			otlp.IntervalSeconds = n
		}
	}
	if v := os.Getenv("LOXONE_OTLP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			otlp.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOXONE_OTLP_TLS_ENABLED"); v != "" {
		otlp.TLS.Enabled = isTruthy(v)
	}
	if v := os.Getenv("LOXONE_OTLP_TLS_CERT_PATH"); v != "" {
		otlp.TLS.CertPath = v
	}
	for _, kv := range os.Environ() {
		const prefix = "LOXONE_OTLP_AUTH_HEADER_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := kv[len(prefix):]
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			continue
		}
		if otlp.Auth.Headers == nil {
			otlp.Auth.Headers = map[string]string{}
		}
		otlp.Auth.Headers[headerName(rest[:eq])] = rest[eq+1:]
	}
}

// headerName turns AUTH_HEADER env suffixes into canonical header names:
// underscores become dashes and each segment is Title-cased, so
// X_API_KEY yields X-Api-Key.
func headerName(envKey string) string {
	parts := strings.Split(strings.ToLower(envKey), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func (c *Config) firstMiniserver() *Miniserver {
	if len(c.Miniservers) == 0 {
		c.Miniservers = append(c.Miniservers, Miniserver{})
	}
	return &c.Miniservers[0]
}

// applyDefaults fills per-entry defaults and drops entries whose
// effective host is empty, before the at-least-one check in validate.
func (c *Config) applyDefaults() {
	kept := c.Miniservers[:0]
	for _, ms := range c.Miniservers {
		if ms.Host == "" {
			continue
		}
		if ms.Name == "" {
			ms.Name = ms.Host
		}
		if ms.Port == 0 {
			ms.Port = DefaultPort
		}
		if ms.SSLPort == 0 {
			ms.SSLPort = DefaultSSLPort
		}
		if ms.ForceEncryption {
			ms.UseEncryption = true
		}
		kept = append(kept, ms)
	}
	c.Miniservers = kept
}

func (c *Config) validate() error {
	if len(c.Miniservers) == 0 {
		return errors.New("no miniservers configured: provide a config file or LOXONE_HOST")
	}
	seen := map[string]bool{}
	for i, ms := range c.Miniservers {
		if ms.Username == "" {
			return errors.Errorf("miniserver %q: username is required", ms.Name)
		}
		if ms.Password == "" {
			return errors.Errorf("miniserver %q: password is required", ms.Name)
		}
		if !validHost(ms.Host) {
			return errors.Errorf("miniserver %q: invalid host %q", ms.Name, ms.Host)
		}
		if ms.Port < 1 || ms.Port > 65535 {
			return errors.Errorf("miniserver %q: port %d out of range", ms.Name, ms.Port)
		}
		if ms.SSLPort < 1 || ms.SSLPort > 65535 {
			return errors.Errorf("miniserver %q: ssl_port %d out of range", ms.Name, ms.SSLPort)
		}
		if seen[ms.Name] {
			return errors.Errorf("duplicate miniserver name %q (entry %d)", ms.Name, i+1)
		}
		seen[ms.Name] = true
	}

	if ip := net.ParseIP(c.ListenAddress); ip == nil {
		return errors.Errorf("invalid listen_address %q", c.ListenAddress)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.Errorf("listen_port %d out of range", c.ListenPort)
	}

	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return errors.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return errors.Errorf("invalid log_format %q", c.LogFormat)
	}

	return c.OpenTelemetry.validate()
}

func (o *OpenTelemetry) validate() error {
	if !o.Enabled {
		return nil
	}
	if o.Endpoint == "" {
		return errors.New("opentelemetry.endpoint is required when enabled")
	}
	u, err := url.Parse(o.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("opentelemetry.endpoint %q must be an http(s) URL", o.Endpoint)
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err != nil || n < 1 || n > 65535 {
			return errors.Errorf("opentelemetry.endpoint %q has an invalid port", o.Endpoint)
		}
	}
	switch o.Protocol {
	case "grpc", "http":
	default:
		return errors.Errorf("opentelemetry.protocol %q must be grpc or http", o.Protocol)
	}
	if o.IntervalSeconds < minOTLPInterval || o.IntervalSeconds > maxOTLPInterval {
		return errors.Errorf("opentelemetry.interval_seconds %d out of range [%d, %d]",
			o.IntervalSeconds, minOTLPInterval, maxOTLPInterval)
	}
	if o.TimeoutSeconds < minOTLPTimeout || o.TimeoutSeconds > maxOTLPTimeout {
		return errors.Errorf("opentelemetry.timeout_seconds %d out of range [%d, %d]",
			o.TimeoutSeconds, minOTLPTimeout, maxOTLPTimeout)
	}
	if o.TimeoutSeconds >= o.IntervalSeconds {
		return errors.Errorf("opentelemetry.timeout_seconds %d must be less than interval_seconds %d",
			o.TimeoutSeconds, o.IntervalSeconds)
	}
	if o.TLS.Enabled && o.TLS.CertPath != "" {
		if _, err := os.Stat(o.TLS.CertPath); err != nil {
			return errors.Errorf("opentelemetry.tls.cert_path %q: %v", o.TLS.CertPath, err)
		}
	}
	return nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	// Hostname syntax: dot-separated labels of letters, digits and
	// hyphens, not starting or ending with a hyphen.
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
				return false
			}
		}
	}
	return true
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
