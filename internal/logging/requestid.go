// Package logging carries the request correlation id through contexts so
// gateway, orchestrator and token log lines can be tied to one request.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// HeaderRequestID is read from callers and forwarded to tool servers.
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// GenerateRequestID creates an 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()&0xffffffff, 16)
	}
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request ID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID returns ctx with a request ID, generating one for work
// that did not start from an HTTP request (background refreshes, the CLI).
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return WithRequestID(ctx, id), id
}
