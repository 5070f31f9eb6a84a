package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	gatewayhttp "github.com/aras-services/api-gateway/internal/delivery/http"
	"github.com/aras-services/api-gateway/internal/credential"
	"github.com/aras-services/api-gateway/internal/domain"
)

type principalKey struct{}

// Principal returns the authenticated principal bound by RequireAuth, or
// nil if the route allows anonymous access.
func Principal(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey{}).(*domain.Principal)
	return p
}

// RequireAuth validates a bearer token or opaque API key before the
// pipeline ever sees the request (spec.md §7: "Authentication failures
// are returned as 401 by the host framework before pipeline entry").
// Requests without either credential are let through anonymously; the
// pipeline derives their rate-limit identity from the X-API-Key header,
// then the remote address, falling back to "anonymous".
func RequireAuth(validator *credential.Validator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}

			var principal *domain.Principal

			switch {
			case strings.HasPrefix(authHeader, "Bearer "):
				token := strings.TrimPrefix(authHeader, "Bearer ")
				p, err := validator.ValidateToken(r.Context(), token)
				if err != nil {
					writeAuthError(w, log, err)
					return
				}
				principal = p

			case apiKey != "":
				p, err := validator.ValidateKey(r.Context(), apiKey)
				if err != nil {
					writeAuthError(w, log, err)
					return
				}
				principal = p
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, log *zap.Logger, err error) {
	verr, ok := err.(*credential.ValidationError)
	if !ok {
		log.Warn("credential validation failed with an unexpected error type", zap.Error(err))
		gatewayhttp.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
		return
	}
	gatewayhttp.WriteError(w, http.StatusUnauthorized, string(verr.Code), verr.Message)
}
