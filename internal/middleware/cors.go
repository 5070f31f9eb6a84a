package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// NewCORSMiddleware builds the CORS handler from Cors.AllowedOrigins
// (spec.md §6 "Configuration sections"). An empty list falls back to
// "*" so the gateway is usable out of the box in local development.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Correlation-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
