// Package audit implements the append-only, line-delimited JSON audit
// trail for every backend invocation: one record per tools/call,
// prompts/get, or resources/read, with arguments sanitized before they
// ever touch disk. Rotation is size-triggered via
// gopkg.in/natefinch/lumberjack.v2, the same rotation dependency used
// elsewhere in the example pack for exactly this purpose.
package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultRedactPattern matches field names that must never appear
// unredacted in the audit trail: secrets, tokens, keys, passwords,
// credentials, auth material, and bearer tokens, matched case-
// insensitively as a substring of the field name.
const defaultRedactPattern = `(?i)(secret|token|key|password|credential|auth|bearer)`

// redactedPlaceholder replaces the value of any field whose name matches
// the redact pattern.
const redactedPlaceholder = "[REDACTED]"

// Record is a single audit entry. Status is one of "ok", "tool_error", or
// "error" (transport/exception failure). RequestID correlates a single
// tools/call with its eventual audit line even when the call spans a
// lazy connect and initialize beforehand.
type Record struct {
	Time      time.Time      `json:"time"`
	RequestID string         `json:"request_id,omitempty"`
	Tool      string         `json:"tool"`
	Server    string         `json:"server"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
}

const (
	StatusOK        = "ok"
	StatusToolError = "tool_error"
	StatusError     = "error"
)

// Option configures a Sink at construction time.
type Option func(*Sink)

// WithMaxSizeMB overrides lumberjack's per-file size trigger (megabytes).
func WithMaxSizeMB(n int) Option {
	return func(s *Sink) { s.logger.MaxSize = n }
}

// WithMaxBackups overrides how many rotated files are retained.
func WithMaxBackups(n int) Option {
	return func(s *Sink) { s.logger.MaxBackups = n }
}

// WithMaxAgeDays overrides how long rotated files are retained, in days.
func WithMaxAgeDays(n int) Option {
	return func(s *Sink) { s.logger.MaxAge = n }
}

// WithCompress enables gzip compression of rotated files.
func WithCompress(enabled bool) Option {
	return func(s *Sink) { s.logger.Compress = enabled }
}

// WithRedactPattern overrides the default secret-field-name regex.
func WithRedactPattern(pattern string) Option {
	return func(s *Sink) { s.redact = regexp.MustCompile(pattern) }
}

// Stats is a point-in-time snapshot of a Sink's record counters.
type Stats struct {
	Total      int64
	OK         int64
	ToolErrors int64
	Errors     int64
}

// Sink is the append-only audit trail writer. It is safe for concurrent
// use.
type Sink struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	redact *regexp.Regexp

	total, ok, toolErrors, errs atomic.Int64
}

// NewSink opens (creating if necessary) an audit sink writing
// newline-delimited JSON records to path, rotating at 100MB by default
// with 7 backups retained for 30 days, uncompressed.
func NewSink(path string, opts ...Option) *Sink {
	s := &Sink{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   false,
		},
		redact: regexp.MustCompile(defaultRedactPattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record sanitizes rec's arguments and appends it as one JSON line. A
// marshal or write failure is returned to the caller but never panics —
// the router logs and continues rather than let an audit failure affect
// the response already sent upstream.
func (s *Sink) Record(rec Record) error {
	rec.Arguments = Sanitize(rec.Arguments, s.redactPattern())

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')

	s.bump(rec.Status)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.logger.Write(line); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

func (s *Sink) redactPattern() *regexp.Regexp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redact
}

func (s *Sink) bump(status string) {
	s.total.Add(1)
	switch status {
	case StatusOK:
		s.ok.Add(1)
	case StatusToolError:
		s.toolErrors.Add(1)
	default:
		s.errs.Add(1)
	}
}

// Stats returns the current record counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Total:      s.total.Load(),
		OK:         s.ok.Load(),
		ToolErrors: s.toolErrors.Load(),
		Errors:     s.errs.Load(),
	}
}

// Close flushes and closes the underlying rotated file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Close()
}

// Sanitize returns a deep copy of args with every value whose key matches
// pattern (case-insensitively, as a substring) replaced by a redaction
// placeholder. Nested maps and slices are walked recursively. A nil
// pattern falls back to the default.
func Sanitize(args map[string]any, pattern *regexp.Regexp) map[string]any {
	if args == nil {
		return nil
	}
	if pattern == nil {
		pattern = regexp.MustCompile(defaultRedactPattern)
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if pattern.MatchString(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = sanitizeValue(v, pattern)
	}
	return out
}

func sanitizeValue(v any, pattern *regexp.Regexp) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val, pattern)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, pattern)
		}
		return out
	default:
		return val
	}
}
