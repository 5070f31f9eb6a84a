// Package credential implements the C8 credential validator: signed
// JWT bearer tokens and opaque API keys, plus the permission check the
// pipeline consults before dispatching to a backend.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
)

// RoleResolver is the pluggable role→permission lookup spec.md §4.6
// requires; internal/credential/rolestore provides the Postgres-backed
// implementation.
type RoleResolver interface {
	GetPermissionsForRole(ctx context.Context, roleName string) ([]string, error)
	RoleExists(ctx context.Context, roleName string) (bool, error)
}

// ValidationError pairs a Code with a human-readable message, returned
// by ValidateToken/ValidateKey on failure.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string { return string(e.Code) + ": " + e.Message }

// Validator is the C8 component.
type Validator struct {
	store  cache.Store
	roles  RoleResolver
	log    *zap.Logger

	secretKey []byte
	issuer    string
	audience  string
	skew      time.Duration
}

// Config carries the JWT verification parameters (config.JWTConfig).
type Config struct {
	SecretKey string
	Issuer    string
	Audience  string
	Skew      time.Duration
}

// New builds a Validator. roles may be nil if role-derived permissions
// are not needed (principals then carry only their token/key scopes).
func New(store cache.Store, roles RoleResolver, cfg Config, log *zap.Logger) *Validator {
	skew := cfg.Skew
	if skew <= 0 {
		skew = time.Minute
	}
	return &Validator{
		store:     store,
		roles:     roles,
		log:       log,
		secretKey: []byte(cfg.SecretKey),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		skew:      skew,
	}
}

// ValidateToken verifies a signed bearer token per spec.md §4.6's
// "Signed token path": signature, issuer, audience, expiration (with
// configured skew), then a jti blacklist check.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*domain.Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secretKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.skew),
	)

	if err != nil {
		return nil, v.classifyTokenError(err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, &ValidationError{Code: CodeInvalidToken, Message: "token claims could not be read"}
	}

	if jti, _ := claims["jti"].(string); jti != "" {
		revoked, err := v.isBlacklisted(ctx, jti)
		if err != nil {
			v.log.Warn("blacklist lookup failed, treating token as valid", zap.Error(err))
		} else if revoked {
			return nil, &ValidationError{Code: CodeTokenRevoked, Message: "token has been revoked"}
		}
	}

	return principalFromClaims(claims), nil
}

func (v *Validator) classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &ValidationError{Code: CodeTokenExpired, Message: err.Error()}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &ValidationError{Code: CodeInvalidTokenFormat, Message: err.Error()}
	default:
		return &ValidationError{Code: CodeInvalidToken, Message: err.Error()}
	}
}

func (v *Validator) isBlacklisted(ctx context.Context, jti string) (bool, error) {
	val, err := v.store.Get(ctx, "token:blacklist:"+jti)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val != "", nil
}

func principalFromClaims(claims jwt.MapClaims) *domain.Principal {
	p := &domain.Principal{AuthType: "bearer", Claims: make(map[string]string)}

	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if tenant, ok := claims["tenantId"].(string); ok {
		p.TenantID = tenant
	}
	p.Roles = stringSliceClaim(claims["role"])
	p.Scopes = stringSliceClaim(claims["scope"])
	p.Permissions = stringSliceClaim(claims["permission"])

	for k, val := range claims {
		if s, ok := val.(string); ok {
			p.Claims[k] = s
		}
	}
	return p
}

// stringSliceClaim accepts a claim shaped as either a single
// space-delimited string (the common OAuth2 "scope" convention) or a
// JSON array of strings.
func stringSliceClaim(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// apiKeyRecord is the JSON shape stored at "apikey:{hash}".
type apiKeyRecord struct {
	ServiceName string    `json:"serviceName"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Scopes      []string  `json:"scopes"`
}

// ValidateKey implements spec.md §4.6's "Opaque-key path".
func (v *Validator) ValidateKey(ctx context.Context, key string) (*domain.Principal, error) {
	hash := hashAPIKey(key)
	raw, err := v.store.Get(ctx, "apikey:"+hash)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, &ValidationError{Code: CodeInvalidAPIKey, Message: "api key not recognized"}
	}
	if err != nil {
		return nil, &ValidationError{Code: CodeValidationError, Message: err.Error()}
	}

	var rec apiKeyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, &ValidationError{Code: CodeValidationError, Message: "corrupt api key record"}
	}
	if !rec.Active {
		return nil, &ValidationError{Code: CodeInactiveAPIKey, Message: "api key is inactive"}
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, &ValidationError{Code: CodeExpiredAPIKey, Message: "api key has expired"}
	}

	return &domain.Principal{
		Subject:  rec.ServiceName,
		Name:     rec.ServiceName,
		AuthType: "api_key",
		Scopes:   rec.Scopes,
	}, nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HasPermission implements spec.md §4.6's "Permission check": the
// principal's own permission set is consulted first, then (if a
// RoleResolver is wired) each of its roles is resolved and merged in.
func (v *Validator) HasPermission(ctx context.Context, p *domain.Principal, resource, action string) bool {
	if p == nil {
		return false
	}

	if matchesAny(p.Permissions, resource, action) {
		return true
	}

	if v.roles == nil {
		return false
	}
	for _, role := range p.Roles {
		perms, err := v.roles.GetPermissionsForRole(ctx, role)
		if err != nil {
			v.log.Warn("role permission lookup failed", zap.String("role", role), zap.Error(err))
			continue
		}
		if matchesAny(perms, resource, action) {
			return true
		}
		if len(perms) == 0 {
			v.warnIfRoleUnknown(ctx, role)
		}
	}
	return false
}

// warnIfRoleUnknown is called when a role resolved to zero permissions,
// distinguishing a role that doesn't exist (likely a stale claim or
// config typo) from one that legitimately carries no permissions.
func (v *Validator) warnIfRoleUnknown(ctx context.Context, role string) {
	exists, err := v.roles.RoleExists(ctx, role)
	if err != nil {
		v.log.Warn("role existence lookup failed", zap.String("role", role), zap.Error(err))
		return
	}
	if !exists {
		v.log.Warn("principal carries unknown role", zap.String("role", role))
	}
}

func matchesAny(perms []string, resource, action string) bool {
	want := resource + ":" + action
	for _, perm := range perms {
		if perm == want || perm == resource+":*" || perm == "*:*" {
			return true
		}
	}
	return false
}

// RevokeRefresh blacklists the token's jti so subsequent ValidateToken
// calls return TOKEN_REVOKED, even if the token's own expiry has not
// yet been reached.
func (v *Validator) RevokeRefresh(ctx context.Context, token string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return &ValidationError{Code: CodeInvalidTokenFormat, Message: err.Error()}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return &ValidationError{Code: CodeInvalidToken, Message: "token claims could not be read"}
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return &ValidationError{Code: CodeInvalidToken, Message: "token has no jti claim to revoke"}
	}

	ttl := time.Hour * 24
	if expFloat, ok := claims["exp"].(float64); ok {
		if remaining := time.Until(time.Unix(int64(expFloat), 0)); remaining > 0 {
			ttl = remaining
		}
	}
	return v.store.Set(ctx, "token:blacklist:"+jti, "revoked", ttl)
}

// UserInfo projects a principal into the response shape the control
// endpoints surface for introspection.
func (v *Validator) UserInfo(p *domain.Principal) map[string]interface{} {
	if p == nil {
		return nil
	}
	return map[string]interface{}{
		"subject":  p.Subject,
		"name":     p.Name,
		"tenantId": p.TenantID,
		"roles":    p.Roles,
		"scopes":   p.Scopes,
		"authType": p.AuthType,
	}
}
