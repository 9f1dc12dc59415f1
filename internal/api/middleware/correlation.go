package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type loggerKey struct{}

// HeaderCorrelationID is read from requests and echoed on responses.
const HeaderCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLen caps caller-supplied IDs before they reach log lines.
const maxCorrelationIDLen = 128

// CorrelationID tags every ops request with the caller's X-Correlation-ID,
// or a fresh UUID, and echoes it back. Handlers and RequestLogger log through
// Logger(ctx), which carries the ID as the correlation_id field.
func CorrelationID(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderCorrelationID)
			if id == "" || len(id) > maxCorrelationIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderCorrelationID, id)

			reqLogger := logger.With(zap.String("correlation_id", id))
			ctx := context.WithValue(r.Context(), loggerKey{}, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logger returns the request-scoped logger set by CorrelationID. Outside an
// ops request it returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
