// Package trace assigns and propagates the per-operation correlation id.
//
// Every HTTP request, websocket frame, and broker record carries a UUID v4
// identifying one logical operation. Handlers pull the id from the context
// and reflect it back on responses (X-Request-ID header, requestId field).
package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the correlation id.
const Header = "X-Request-ID"

type ctxKey struct{}

// New returns a fresh correlation id.
func New() string {
	return uuid.NewString()
}

// WithID returns a context carrying the given correlation id. Empty ids are
// replaced with a fresh one so downstream code never sees an empty id.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = New()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id bound to ctx, minting a new one if
// the context carries none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return New()
}

// Middleware binds a correlation id to every request: an incoming
// X-Request-ID is honored, otherwise a fresh UUID is assigned. The id is
// echoed on the response before the handler runs so error paths carry it too.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = New()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
