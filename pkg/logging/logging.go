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

// Package logging builds the process logger: go-kit JSON or logfmt
// output with a secret-scrubbing writer underneath, so credentials and
// cipher blobs never reach the log stream in any code path.
package logging

import (
	"io"
	"regexp"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Patterns covering every place a secret can appear in a log line:
// credential fields, tokens, and the auth command arguments.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)(password["'=:\s]+)[^\s"',}]+`), `${1}****`},
	{regexp.MustCompile(`(?i)(token["'=:\s]+)[^\s"',}]+`), `${1}****`},
	{regexp.MustCompile(`authenticate/[0-9a-fA-F]+`), `authenticate/****`},
	{regexp.MustCompile(`jdev/sys/enc/[^\s"']+`), `jdev/sys/enc/****`},
	{regexp.MustCompile(`keyexchange/[^\s"']+`), `keyexchange/****`},
}

// sanitizingWriter rewrites each log line through the redaction set
// before passing it on.
type sanitizingWriter struct {
	next io.Writer
}

func (w sanitizingWriter) Write(p []byte) (int, error) {
	out := p
	for _, r := range redactions {
		out = r.re.ReplaceAll(out, []byte(r.repl))
	}
	if _, err := w.next.Write(out); err != nil {
		return 0, err
	}
	// Report the original length so the upstream logger never sees a
	// short write from redaction shrinking the line.
	return len(p), nil
}

// Sanitize applies the redaction set to a single string; exposed for
// error messages that travel outside the logger.
func Sanitize(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// New returns a leveled logger writing to w. Format is "json" or "text"
// (logfmt), levelName one of debug, info, warning, error. Both are
// validated by the config layer before this is called; unknown values
// fall back to info/json.
func New(w io.Writer, levelName, format string) log.Logger {
	sink := log.NewSyncWriter(sanitizingWriter{next: w})

	var logger log.Logger
	if format == "text" {
		logger = log.NewLogfmtLogger(sink)
	} else {
		logger = log.NewJSONLogger(sink)
	}

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warning":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
