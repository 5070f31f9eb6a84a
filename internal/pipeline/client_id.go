package pipeline

import (
	"net"
	"net/http"

	"github.com/aras-services/api-gateway/internal/domain"
)

// resolveClientID implements the precedence spec.md §6 defines for
// rate-limit identity: subject claim, then client_id claim, then the
// opaque API-key header, then the remote address, then "anonymous".
func resolveClientID(r *http.Request, principal *domain.Principal) string {
	if principal != nil {
		if principal.Subject != "" {
			return principal.Subject
		}
		if cid, ok := principal.Claims["client_id"]; ok && cid != "" {
			return cid
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "anonymous"
}
