package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/registry"
)

func newTestResolver(reg *registry.ServiceRegistry) *Resolver {
	return New(reg, zap.NewNop())
}

func TestResolve_CatchAllWithTargetTemplate(t *testing.T) {
	reg := registry.New()
	reg.Register("erp", domain.ServiceInstance{ID: "a", BaseURL: "http://erp:5001", Healthy: true})

	r := newTestResolver(reg)
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "erp-proxy", Pattern: "/api/erp/{*path}", ServiceName: "erp",
		TargetPathTmpl: "/api/{path}", AllowedMethods: []string{"GET"}, Active: true,
	}))

	match, ok := r.Resolve("GET", "/api/erp/customers/42")
	require.True(t, ok)
	assert.Equal(t, "http://erp:5001/api/customers/42", match.TargetURI)
}

func TestResolve_CatchAllZeroTrailingSegments(t *testing.T) {
	reg := registry.New()
	reg.Register("erp", domain.ServiceInstance{ID: "a", BaseURL: "http://erp:5001", Healthy: true})

	r := newTestResolver(reg)
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "erp-proxy", Pattern: "/api/erp/{*path}", ServiceName: "erp",
		AllowedMethods: []string{"GET"}, Active: true,
	}))

	match, ok := r.Resolve("GET", "/api/erp")
	require.True(t, ok)
	assert.Equal(t, "http://erp:5001/", match.TargetURI)
}

func TestResolve_PriorityThenRegistrationOrder(t *testing.T) {
	reg := registry.New()
	reg.Register("svcA", domain.ServiceInstance{ID: "a", BaseURL: "http://a", Healthy: true})
	reg.Register("svcB", domain.ServiceInstance{ID: "b", BaseURL: "http://b", Healthy: true})

	r := newTestResolver(reg)
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "low-priority", Pattern: "/api/{name}", ServiceName: "svcB",
		AllowedMethods: []string{"GET"}, Active: true, Priority: 10,
	}))
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "high-priority", Pattern: "/api/{name}", ServiceName: "svcA",
		AllowedMethods: []string{"GET"}, Active: true, Priority: 1,
	}))

	match, ok := r.Resolve("GET", "/api/widgets")
	require.True(t, ok)
	assert.Equal(t, "svcA", match.ServiceName)
}

func TestResolve_MethodNotAllowedSkipsRoute(t *testing.T) {
	reg := registry.New()
	reg.Register("svc", domain.ServiceInstance{ID: "a", BaseURL: "http://a", Healthy: true})

	r := newTestResolver(reg)
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "only-post", Pattern: "/api/widgets", ServiceName: "svc",
		AllowedMethods: []string{"POST"}, Active: true,
	}))

	_, ok := r.Resolve("GET", "/api/widgets")
	assert.False(t, ok)
}

func TestRegister_IdempotentReregistrationReplacesContents(t *testing.T) {
	reg := registry.New()
	reg.Register("svc", domain.ServiceInstance{ID: "a", BaseURL: "http://a", Healthy: true})

	r := newTestResolver(reg)
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "route-1", Pattern: "/api/v1", ServiceName: "svc", AllowedMethods: []string{"GET"}, Active: true, Priority: 5,
	}))
	require.NoError(t, r.Register(domain.RouteDefinition{
		ID: "route-1", Pattern: "/api/v1", ServiceName: "svc", AllowedMethods: []string{"GET"}, Active: true, Priority: 9,
	}))

	routes := r.List()
	require.Len(t, routes, 1)
	assert.Equal(t, 9, routes[0].Priority)
}

func TestResolve_NoMatchReturnsFalse(t *testing.T) {
	reg := registry.New()
	r := newTestResolver(reg)
	_, ok := r.Resolve("GET", "/nothing/here")
	assert.False(t, ok)
}

func TestServiceHealth_CachesProbeResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	reg.Register("svc", domain.ServiceInstance{ID: "a", BaseURL: srv.URL, Healthy: true})
	r := newTestResolver(reg)

	status1 := r.ServiceHealth(context.Background(), "svc")
	status2 := r.ServiceHealth(context.Background(), "svc")

	assert.Equal(t, domain.HealthHealthy, status1)
	assert.Equal(t, domain.HealthHealthy, status2)
	assert.Equal(t, 1, calls, "second call should hit the cache, not probe again")
}

func TestServiceHealth_NonSuccessIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := registry.New()
	reg.Register("svc", domain.ServiceInstance{ID: "a", BaseURL: srv.URL, Healthy: true})
	r := newTestResolver(reg)

	status := r.ServiceHealth(context.Background(), "svc")
	assert.Equal(t, domain.HealthDegraded, status)
}

func TestServiceHealth_NoInstancesIsUnhealthy(t *testing.T) {
	reg := registry.New()
	r := newTestResolver(reg)
	status := r.ServiceHealth(context.Background(), "missing")
	assert.Equal(t, domain.HealthUnhealthy, status)
}
