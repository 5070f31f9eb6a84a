// Package ratelimiter implements the sliding-window admission control
// described in spec.md §4.3 (C7). It keeps one Redis sorted set per
// (client, endpoint) key, which is the representation Design Notes #4
// recommends over the source's single "count:timestamp" scalar: each
// admission is a timestamped member, pruning drops everything older
// than the window, and the cardinality of what remains is the exact
// count of admissions inside the trailing window.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
)

// ErrStoreUnavailable is returned by Check when the counter store errors
// and the Limiter was built with failOpen = false.
var ErrStoreUnavailable = errors.New("ratelimiter: counter store unavailable")

// Limiter is the C7 rate limiter.
type Limiter struct {
	store    cache.Store
	failOpen bool
	log      *zap.Logger

	mu       sync.RWMutex
	policies map[string]domain.RateLimitPolicy // exact endpoint -> policy
	patterns []patternPolicy                   // AppliesTo wildcard policies, in registration order
	whitelist map[string]time.Time             // clientID -> expiry (zero = never)
}

type patternPolicy struct {
	pattern string
	policy  domain.RateLimitPolicy
}

// New builds a Limiter. failOpen governs behavior when the counter store
// errors (spec.md §4.3 "Fail-open").
func New(store cache.Store, failOpen bool, log *zap.Logger) *Limiter {
	return &Limiter{
		store:     store,
		failOpen:  failOpen,
		log:       log,
		policies:  make(map[string]domain.RateLimitPolicy),
		whitelist: make(map[string]time.Time),
	}
}

// Configure registers (or replaces) the policy applied to endpoint. If
// policy.AppliesTo is non-empty the policy is additionally matched via
// shell-style "*" suffix patterns against endpoints with no exact match.
func (l *Limiter) Configure(endpoint string, policy domain.RateLimitPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if endpoint != "" {
		l.policies[endpoint] = policy
	}
	for _, pat := range policy.AppliesTo {
		l.patterns = append(l.patterns, patternPolicy{pattern: pat, policy: policy})
	}
}

// resolvePolicy implements spec.md §4.3's "Policy selection": exact
// endpoint match first, then AppliesTo pattern scan, then the default.
func (l *Limiter) resolvePolicy(endpoint string) domain.RateLimitPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if p, ok := l.policies[endpoint]; ok {
		return p
	}
	for _, pp := range l.patterns {
		if matchSuffix(pp.pattern, endpoint) {
			return pp.policy
		}
	}
	return domain.DefaultRateLimitPolicy()
}

func matchSuffix(pattern, endpoint string) bool {
	if !strings.HasSuffix(pattern, "*") {
		return pattern == endpoint
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(endpoint, prefix)
}

// Whitelist exempts clientID from admission checks. A zero duration
// means no expiry (spec.md §8 invariant 4).
func (l *Limiter) Whitelist(clientID string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expiry time.Time
	if duration > 0 {
		expiry = time.Now().Add(duration)
	}
	l.whitelist[clientID] = expiry
}

// RemoveWhitelist reverses Whitelist.
func (l *Limiter) RemoveWhitelist(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.whitelist, clientID)
}

func (l *Limiter) isWhitelisted(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.whitelist[clientID]
	if !ok {
		return false
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		delete(l.whitelist, clientID)
		return false
	}
	return true
}

// key builds the distributed-store key per spec.md §4.3's "Key
// construction" rule.
func key(perClient bool, clientID, endpoint string) string {
	scope := "global"
	if perClient {
		scope = clientID
	}
	return fmt.Sprintf("ratelimit:%s:%s", scope, endpoint)
}

// Check is the C7 admission entry point.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint string) (domain.RateLimitResult, error) {
	policy := l.resolvePolicy(endpoint)

	if l.isWhitelisted(clientID) {
		return domain.RateLimitResult{
			Admitted:  true,
			Remaining: -1,
			Limit:     policy.RequestsPerWindow,
			PolicyName: policy.Name,
		}, nil
	}

	k := key(policy.PerClient, clientID, endpoint)
	now := time.Now()

	result, err := l.checkSlidingWindow(ctx, k, policy, now)
	if err != nil {
		if l.failOpen {
			l.log.Warn("rate limit store unavailable, failing open",
				zap.String("key", k), zap.Error(err))
			return domain.RateLimitResult{
				Admitted:  true,
				Remaining: policy.RequestsPerWindow,
				Limit:     policy.RequestsPerWindow,
				PolicyName: policy.Name,
				FailOpen:  true,
			}, nil
		}
		return domain.RateLimitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return result, nil
}

func (l *Limiter) checkSlidingWindow(ctx context.Context, k string, policy domain.RateLimitPolicy, now time.Time) (domain.RateLimitResult, error) {
	windowStart := now.Add(-policy.Window)

	if err := l.store.ZRemRangeByScore(ctx, k, negInf, float64(windowStart.UnixNano())); err != nil {
		return domain.RateLimitResult{}, err
	}

	count, err := l.store.ZCard(ctx, k)
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	if count >= int64(policy.RequestsPerWindow) {
		retryAfter := l.oldestMemberExpiry(ctx, k, policy.Window, now)
		return domain.RateLimitResult{
			Admitted:   false,
			Remaining:  0,
			Limit:      policy.RequestsPerWindow,
			ResetAt:    now.Add(retryAfter),
			RetryAfter: retryAfter,
			PolicyName: policy.Name,
		}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatInt(int64(count), 10)
	if err := l.store.ZAdd(ctx, k, float64(now.UnixNano()), member); err != nil {
		return domain.RateLimitResult{}, err
	}
	// TTL exceeds windowSize by a safety margin per spec.md §4.3.
	if err := l.store.Expire(ctx, k, policy.Window+policy.Window/2+time.Second); err != nil {
		return domain.RateLimitResult{}, err
	}

	return domain.RateLimitResult{
		Admitted:   true,
		Remaining:  policy.RequestsPerWindow - int(count) - 1,
		Limit:      policy.RequestsPerWindow,
		ResetAt:    now.Add(policy.Window),
		PolicyName: policy.Name,
	}, nil
}

// Record increments the counter for (clientID, endpoint) without making
// an admission decision (spec.md §4.3's `record` operation) — it exists
// for callers that track usage out-of-band from the request path itself
// (e.g. crediting a retried webhook delivery against the same quota a
// live request would have consumed).
func (l *Limiter) Record(ctx context.Context, clientID, endpoint string) error {
	policy := l.resolvePolicy(endpoint)
	k := key(policy.PerClient, clientID, endpoint)
	now := time.Now()

	member := strconv.FormatInt(now.UnixNano(), 10) + ":r"
	if err := l.store.ZAdd(ctx, k, float64(now.UnixNano()), member); err != nil {
		return err
	}
	return l.store.Expire(ctx, k, policy.Window+policy.Window/2+time.Second)
}

// oldestMemberExpiry estimates retryAfter as the time until the window
// slides past the current instant; since members are pruned eagerly on
// every check, the remaining ones all fall inside [now-window, now], so
// the window clears entirely windowSize after the oldest was recorded.
// Absent a ZRANGE-with-scores primitive in Store, window (clamped to
// >=0) is a safe, if slightly conservative, upper bound.
func (l *Limiter) oldestMemberExpiry(_ context.Context, _ string, window time.Duration, _ time.Time) time.Duration {
	if window < 0 {
		return 0
	}
	return window
}

const negInf = -1 << 62 // effectively -inf for nanosecond epoch scores

// Reset clears the admissions recorded for clientID on every endpoint
// that has an exact-match policy with PerClient set. Keys of endpoints
// reached only through an AppliesTo pattern or the default policy are
// not cleared, and global (non-per-client) keys are left untouched.
func (l *Limiter) Reset(ctx context.Context, clientID string) error {
	// Endpoint-specific keys are only known once Check has been called
	// for them; Reset walks the exact-endpoint policy set, which covers
	// the common case of resetting a client after a manual quota bump.
	l.mu.RLock()
	endpoints := make([]string, 0, len(l.policies))
	for ep := range l.policies {
		endpoints = append(endpoints, ep)
	}
	l.mu.RUnlock()

	var firstErr error
	for _, ep := range endpoints {
		policy := l.resolvePolicy(ep)
		if !policy.PerClient {
			continue
		}
		if err := l.store.Delete(ctx, key(policy.PerClient, clientID, ep)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status reports current usage for clientID without admitting a request.
// If endpoint is empty the default policy's key is inspected.
func (l *Limiter) Status(ctx context.Context, clientID, endpoint string) (domain.RateLimitResult, error) {
	policy := l.resolvePolicy(endpoint)
	k := key(policy.PerClient, clientID, endpoint)
	now := time.Now()

	if err := l.store.ZRemRangeByScore(ctx, k, negInf, float64(now.Add(-policy.Window).UnixNano())); err != nil {
		return domain.RateLimitResult{}, err
	}
	count, err := l.store.ZCard(ctx, k)
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	remaining := policy.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitResult{
		Admitted:   remaining > 0,
		Remaining:  remaining,
		Limit:      policy.RequestsPerWindow,
		ResetAt:    now.Add(policy.Window),
		PolicyName: policy.Name,
	}, nil
}
