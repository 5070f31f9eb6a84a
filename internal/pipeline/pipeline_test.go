package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/eventbus"
	gwmiddleware "github.com/aras-services/api-gateway/internal/middleware"
	"github.com/aras-services/api-gateway/internal/ratelimiter"
	"github.com/aras-services/api-gateway/internal/registry"
	"github.com/aras-services/api-gateway/internal/router"
	"github.com/aras-services/api-gateway/internal/schema"
	"github.com/aras-services/api-gateway/internal/transform"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.IntegrationEvent
}

func (b *recordingBus) Publish(_ context.Context, e domain.IntegrationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}
func (b *recordingBus) PublishBatch(context.Context, []domain.IntegrationEvent) error { return nil }
func (b *recordingBus) Subscribe(string, eventbus.Handler) error                      { return nil }
func (b *recordingBus) Unsubscribe(string) error                                      { return nil }
func (b *recordingBus) SendCommand(context.Context, string, domain.IntegrationEvent) error {
	return nil
}
func (b *recordingBus) Schedule(context.Context, domain.IntegrationEvent, time.Time) error {
	return nil
}
func (b *recordingBus) Start(context.Context) error { return nil }
func (b *recordingBus) Stop(context.Context) error  { return nil }

func (b *recordingBus) waitForEvent(t *testing.T, eventType string) domain.IntegrationEvent {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		for _, e := range b.events {
			if e.EventType == eventType {
				b.mu.Unlock()
				return e
			}
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q", eventType)
	return domain.IntegrationEvent{}
}

func newTestPipeline(t *testing.T, backendURL string, fastRetry bool) (*Pipeline, *router.Resolver, *recordingBus) {
	t.Helper()
	log := zap.NewNop()
	store := cache.NewInMemoryStore()

	reg := registry.New()
	reg.Register("orders", domain.ServiceInstance{ID: "orders-1", BaseURL: backendURL, Healthy: true})

	resolver := router.New(reg, log)
	retryPolicy := domain.DefaultRetryPolicy()
	if fastRetry {
		retryPolicy = domain.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond}
	}
	require.NoError(t, resolver.Register(domain.RouteDefinition{
		ID:             "orders-route",
		Pattern:        "/api/orders/{*rest}",
		ServiceName:    "orders",
		TargetPathTmpl: "/internal/orders/{rest}",
		AllowedMethods: []string{"GET", "POST"},
		Priority:       0,
		Timeout:        5 * time.Second,
		Retry:          retryPolicy,
		Active:         true,
	}))

	limiter := ratelimiter.New(store, false, log)
	mapper := schema.New(store, log)
	transformer := transform.New(mapper, log)
	bus := &recordingBus{}

	pl := New(resolver, limiter, transformer, bus, &http.Client{Timeout: 2 * time.Second}, nil, log)
	return pl, resolver, bus
}

func process(pl *Pipeline, method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler := gwmiddleware.WithCorrelationID(http.HandlerFunc(pl.Process))
	handler.ServeHTTP(rec, req)
	return rec
}

func readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestProcess_ProxiesSuccessfullyAndEmitsEvent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/orders/42", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(gwmiddleware.CorrelationIDHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orderId":42}`))
	}))
	defer backend.Close()

	pl, _, bus := newTestPipeline(t, backend.URL, false)

	rec := process(pl, http.MethodGet, "/api/orders/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(gwmiddleware.CorrelationIDHeader))
	assert.JSONEq(t, `{"orderId":42}`, rec.Body.String())

	event := bus.waitForEvent(t, domain.EventAPIRequestProcessed)
	assert.Equal(t, "orders", event.Payload["serviceName"])
	assert.Equal(t, http.StatusOK, event.Payload["status"])
}

func TestProcess_RouteMissReturns404(t *testing.T) {
	pl, _, _ := newTestPipeline(t, "http://127.0.0.1:1", false)
	rec := process(pl, http.MethodGet, "/does/not/exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcess_RateLimitExceededReturns429(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	pl, _, _ := newTestPipeline(t, backend.URL, false)
	pl.limiter.Configure("/api/orders/1", domain.RateLimitPolicy{
		Name: "strict", RequestsPerWindow: 1, Window: time.Minute,
		Algorithm: domain.RateLimitSlidingWindow, PerClient: true,
	})

	first := process(pl, http.MethodGet, "/api/orders/1", "")
	require.Equal(t, http.StatusOK, first.Code)

	second := process(pl, http.MethodGet, "/api/orders/1", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestProcess_BackendFailureReturnsBadGateway(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	pl, _, bus := newTestPipeline(t, backend.URL, true)
	rec := process(pl, http.MethodGet, "/api/orders/1", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	event := bus.waitForEvent(t, domain.EventGatewayError)
	assert.Equal(t, domain.ErrCodeBadGateway, event.Payload["code"])
}

func TestProcess_AppliesRequestAndResponseTransform(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var doc map[string]interface{}
		require.NoError(t, readJSON(r, &doc))
		assert.Equal(t, "ORD-1", doc["order_number"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"order_status":"shipped"}`))
	}))
	defer backend.Close()

	pl, _, _ := newTestPipeline(t, backend.URL, false)
	pl.transformer.RegisterMapping(domain.SchemaMapping{
		SourceSchema: incomingSchemaName("orders-route"),
		TargetSchema: requestSchemaName("orders-route"),
		Active:       true,
		Fields: []domain.FieldMapping{
			{Name: "orderNumber", SourcePath: "$.orderId", TargetPath: "$.order_number", Operator: domain.OpDirect, Required: true},
		},
	})
	pl.transformer.RegisterMapping(domain.SchemaMapping{
		SourceSchema: responseSchemaName("orders-route"),
		TargetSchema: outgoingSchemaName("orders-route"),
		Active:       true,
		Fields: []domain.FieldMapping{
			{Name: "status", SourcePath: "$.order_status", TargetPath: "$.status", Operator: domain.OpDirect, Required: true},
		},
	})

	rec := process(pl, http.MethodPost, "/api/orders/1", `{"orderId":"ORD-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"shipped"}`, rec.Body.String())
}
