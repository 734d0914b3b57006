// Package logging provides the redacting slog handler the daemon logs
// through. Configuration structs carry broker SASL passwords, Redis and
// ClickHouse credentials, and webhook URLs with embedded tokens; none
// of those belong in log output.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Masked replaces the value of any sensitive attribute.
const Masked = "[REDACTED]"

// sensitiveKeys marks attribute names whose values are masked. Matching
// is by substring on the lowercased key.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"authorization",
	"sasl",
	"webhook",
}

// IsSensitiveKey reports whether an attribute name must be masked.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactHandler wraps a slog.Handler and masks sensitive attributes,
// including those attached with WithAttrs.
type RedactHandler struct {
	inner slog.Handler
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, Masked)
	}
	return a
}
