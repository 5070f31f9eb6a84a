package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
)

func newTestLimiter() *Limiter {
	return New(cache.NewInMemoryStore(), false, zap.NewNop())
}

func TestCheck_AdmitsUpToLimitThenRejects(t *testing.T) {
	l := newTestLimiter()
	l.Configure("/api/ai/generate", domain.RateLimitPolicy{
		Name: "ai", RequestsPerWindow: 3, Window: time.Minute, PerClient: true,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "client-1", "/api/ai/generate")
		require.NoError(t, err)
		assert.True(t, res.Admitted, "admission %d should be admitted", i)
	}

	res, err := l.Check(ctx, "client-1", "/api/ai/generate")
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCheck_DifferentClientsIndependent(t *testing.T) {
	l := newTestLimiter()
	l.Configure("/api/x", domain.RateLimitPolicy{Name: "x", RequestsPerWindow: 1, Window: time.Minute, PerClient: true})

	ctx := context.Background()
	res1, err := l.Check(ctx, "a", "/api/x")
	require.NoError(t, err)
	assert.True(t, res1.Admitted)

	res2, err := l.Check(ctx, "b", "/api/x")
	require.NoError(t, err)
	assert.True(t, res2.Admitted)
}

func TestCheck_PatternPolicyMatchesSuffix(t *testing.T) {
	l := newTestLimiter()
	l.Configure("", domain.RateLimitPolicy{
		Name: "ai-family", RequestsPerWindow: 1, Window: time.Minute, PerClient: true,
		AppliesTo: []string{"/api/ai/*"},
	})

	ctx := context.Background()
	res, err := l.Check(ctx, "c", "/api/ai/generate")
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, "ai-family", res.PolicyName)
}

func TestCheck_DefaultPolicyWhenUnconfigured(t *testing.T) {
	l := newTestLimiter()
	ctx := context.Background()
	res, err := l.Check(ctx, "d", "/anything")
	require.NoError(t, err)
	assert.Equal(t, "default", res.PolicyName)
	assert.Equal(t, 100, res.Limit)
}

func TestWhitelist_NeverRejects(t *testing.T) {
	l := newTestLimiter()
	l.Configure("/api/y", domain.RateLimitPolicy{Name: "y", RequestsPerWindow: 1, Window: time.Minute, PerClient: true})
	l.Whitelist("vip", 0)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "vip", "/api/y")
		require.NoError(t, err)
		assert.True(t, res.Admitted)
	}
}

func TestRemoveWhitelist_ReinstatesLimit(t *testing.T) {
	l := newTestLimiter()
	l.Configure("/api/z", domain.RateLimitPolicy{Name: "z", RequestsPerWindow: 1, Window: time.Minute, PerClient: true})
	l.Whitelist("vip", 0)
	l.RemoveWhitelist("vip")

	ctx := context.Background()
	res1, err := l.Check(ctx, "vip", "/api/z")
	require.NoError(t, err)
	assert.True(t, res1.Admitted)

	res2, err := l.Check(ctx, "vip", "/api/z")
	require.NoError(t, err)
	assert.False(t, res2.Admitted)
}

func TestCheck_FailOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, true, zap.NewNop())
	res, err := l.Check(context.Background(), "e", "/api/broken")
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.True(t, res.FailOpen)
}

func TestCheck_FailClosedOnStoreError(t *testing.T) {
	l := New(failingStore{}, false, zap.NewNop())
	_, err := l.Check(context.Background(), "e", "/api/broken")
	require.Error(t, err)
}

type failingStore struct{ cache.Store }

func (failingStore) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return assert.AnError
}
