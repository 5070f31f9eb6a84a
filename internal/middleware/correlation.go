package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationIDHeader is the header spec.md §4.8 step 1 reads and echoes.
const CorrelationIDHeader = "X-Correlation-Id"

type correlationIDKey struct{}

// WithCorrelationID resolves the correlation id from the incoming
// header or mints a new one, binds it to the request context, and
// echoes it on the response before the handler chain runs.
func WithCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationIDHeader, id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID returns the id bound by WithCorrelationID, or "" if the
// middleware was not in the chain.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
