package credential

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
)

const testSecret = "test-secret-key"

func newTestValidator(store cache.Store, roles RoleResolver) *Validator {
	return New(store, roles, Config{
		SecretKey: testSecret, Issuer: "gateway", Audience: "services", Skew: time.Minute,
	}, zap.NewNop())
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken_ValidTokenProducesPrincipal(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1", "iss": "gateway", "aud": "services",
		"exp": time.Now().Add(time.Hour).Unix(), "scope": "read write", "jti": "abc",
	})

	p, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.ElementsMatch(t, []string{"read", "write"}, p.Scopes)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1", "iss": "gateway", "aud": "services",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeTokenExpired, verr.Code)
}

func TestValidateToken_BlacklistedJtiIsRevokedEvenIfValid(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	require.NoError(t, store.Set(ctx, "token:blacklist:abc", "revoked", time.Hour))

	v := newTestValidator(store, nil)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1", "iss": "gateway", "aud": "services",
		"exp": time.Now().Add(time.Hour).Unix(), "jti": "abc",
	})

	_, err := v.ValidateToken(ctx, token)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeTokenRevoked, verr.Code)
}

func TestValidateToken_WrongIssuerFails(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1", "iss": "someone-else", "aud": "services",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
}

func apiKeyRecordJSON(t *testing.T, rec apiKeyRecord) string {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(b)
}

func TestValidateKey_UnknownKeyIsInvalid(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	_, err := v.ValidateKey(context.Background(), "does-not-exist")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidAPIKey, verr.Code)
}

func TestValidateKey_InactiveKey(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	hash := hashAPIKey("my-key")
	require.NoError(t, store.Set(ctx, "apikey:"+hash, apiKeyRecordJSON(t, apiKeyRecord{
		ServiceName: "erp", Active: false,
	}), 0))

	v := newTestValidator(store, nil)
	_, err := v.ValidateKey(ctx, "my-key")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInactiveAPIKey, verr.Code)
}

func TestValidateKey_ExpiredKey(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	hash := hashAPIKey("my-key")
	require.NoError(t, store.Set(ctx, "apikey:"+hash, apiKeyRecordJSON(t, apiKeyRecord{
		ServiceName: "erp", Active: true, ExpiresAt: time.Now().Add(-time.Hour),
	}), 0))

	v := newTestValidator(store, nil)
	_, err := v.ValidateKey(ctx, "my-key")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeExpiredAPIKey, verr.Code)
}

func TestValidateKey_ValidKeyProducesPrincipal(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	hash := hashAPIKey("my-key")
	require.NoError(t, store.Set(ctx, "apikey:"+hash, apiKeyRecordJSON(t, apiKeyRecord{
		ServiceName: "erp", Active: true, Scopes: []string{"erp:read"},
	}), 0))

	v := newTestValidator(store, nil)
	p, err := v.ValidateKey(ctx, "my-key")
	require.NoError(t, err)
	assert.Equal(t, "erp", p.Subject)
	assert.Equal(t, "api_key", p.AuthType)
}

type fakeRoleResolver struct {
	perms map[string][]string
}

func (f fakeRoleResolver) GetPermissionsForRole(_ context.Context, role string) ([]string, error) {
	return f.perms[role], nil
}

func (f fakeRoleResolver) RoleExists(_ context.Context, role string) (bool, error) {
	_, ok := f.perms[role]
	return ok, nil
}

func TestHasPermission_DirectGrant(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	p := &domain.Principal{Permissions: []string{"erp:read"}}
	assert.True(t, v.HasPermission(context.Background(), p, "erp", "read"))
	assert.False(t, v.HasPermission(context.Background(), p, "erp", "write"))
}

func TestHasPermission_WildcardResourceGrant(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	p := &domain.Principal{Permissions: []string{"erp:*"}}
	assert.True(t, v.HasPermission(context.Background(), p, "erp", "write"))
}

func TestHasPermission_SuperWildcardGrant(t *testing.T) {
	v := newTestValidator(cache.NewInMemoryStore(), nil)
	p := &domain.Principal{Permissions: []string{"*:*"}}
	assert.True(t, v.HasPermission(context.Background(), p, "anything", "at-all"))
}

func TestHasPermission_RoleDerivedGrant(t *testing.T) {
	roles := fakeRoleResolver{perms: map[string][]string{"admin": {"erp:write"}}}
	v := newTestValidator(cache.NewInMemoryStore(), roles)
	p := &domain.Principal{Roles: []string{"admin"}}
	assert.True(t, v.HasPermission(context.Background(), p, "erp", "write"))
}

func TestRevokeRefresh_BlacklistsJti(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	v := newTestValidator(store, nil)

	token := signToken(t, jwt.MapClaims{
		"sub": "user-1", "iss": "gateway", "aud": "services",
		"exp": time.Now().Add(time.Hour).Unix(), "jti": "xyz",
	})
	require.NoError(t, v.RevokeRefresh(ctx, token))

	_, err := v.ValidateToken(ctx, token)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeTokenRevoked, verr.Code)
}
