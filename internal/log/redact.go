package log

import (
	"context"
	"log/slog"
	"regexp"
)

// passwordPatterns are substrings that mark a log value as sensitive.
// Any quoted value that follows one of these names is replaced with ***.
var passwordPatterns = []string{"pass", "secret", "pin", "key", "id"}

// redactRegex matches <pattern><word chars>['"]?<non-word chars>['"](value)['"]
// so that `password: "hunter2"` or `api_key_secret='abc'` lose their values
// but the surrounding text is preserved.
var redactRegex = regexp.MustCompile(
	`(?i)((?:pass|secret|pin|key|id)\w*?['"]?\W*?['"])(.*?)(['"])`)

// Redact rewrites quoted secret values in s to ***.
func Redact(s string) string {
	return redactRegex.ReplaceAllString(s, `${1}***${3}`)
}

// RedactingHandler wraps a slog.Handler and scrubs password-like values from
// the record message and from string attribute values before emission.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps h with secret redaction.
func NewRedactingHandler(h slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: h}
}

func (r *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return r.inner.Enabled(ctx, level)
}

func (r *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return r.inner.Handle(ctx, clean)
}

func (r *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: r.inner.WithAttrs(scrubbed)}
}

func (r *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: r.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, g := range group {
			scrubbed = append(scrubbed, redactAttr(g))
		}
		return slog.Group(a.Key, scrubbed...)
	}
	return a
}
