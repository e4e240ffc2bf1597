// Package correlation tags one CLI invocation with an identifier that shows
// up in every log entry and in the names of the sessions it creates, so the
// lines of a single script step can be matched with what the store recorded.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

// LogKey is the log field carrying the correlation identifier.
const LogKey = "cid"

type contextKey struct{}

// Set records id on ctx. Invalid identifiers are ignored.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx carrying id when valid, otherwise a freshly generated
// identifier. A context that already has an identifier is returned as is.
func Ensure(ctx context.Context, id string) context.Context {
	if Has(ctx) {
		return ctx
	}
	if _, ok := Normalize(id); ok {
		return Set(ctx, id)
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithLogger annotates logger with the correlation ID carried by ctx.
func WithLogger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return nil
	}
	if id := ID(ctx); id != "" {
		return logger.With(LogKey, id)
	}
	return logger
}
