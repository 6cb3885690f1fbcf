package middleware

import (
	"net/http"

	"github.com/pysugar/toolchat-nexus/internal/logging"
)

// RequestID propagates X-Request-ID, generating one when absent, and makes it
// available through logging.GetRequestID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logging.HeaderRequestID)
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(logging.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
