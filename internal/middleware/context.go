package middleware

import (
	"net/http"

	"github.com/dante-gpu/dante-mesh/internal/logging"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// CorrelationIDHeader carries the correlation id in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID is middleware that injects a correlation ID into the context
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(CorrelationIDHeader, correlationID)

		ctx := logging.WithCorrelationID(r.Context(), correlationID)
		if requestID := middleware.GetReqID(r.Context()); requestID != "" {
			ctx = logging.WithRequestID(ctx, requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
