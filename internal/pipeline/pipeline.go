// Package pipeline implements the single request-processing path
// spec.md §4.8 describes: every proxied request passes through
// correlation binding, rate limiting, route resolution, payload
// transform, resilient backend dispatch, and outcome-event emission.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	gatewayhttp "github.com/aras-services/api-gateway/internal/delivery/http"
	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/eventbus"
	gwmiddleware "github.com/aras-services/api-gateway/internal/middleware"
	"github.com/aras-services/api-gateway/internal/ratelimiter"
	"github.com/aras-services/api-gateway/internal/router"
	"github.com/aras-services/api-gateway/internal/transform"
)

// eventSource identifies this process as the publisher of record in
// every IntegrationEvent the pipeline emits.
const eventSource = "api-gateway"

// controlPathPrefixes are handled by dedicated control handlers mounted
// ahead of the catch-all route; Process still guards against ever
// treating them as proxy targets (spec.md §4.8 step 2).
var controlPathPrefixes = []string{"/health", "/metrics", "/swagger"}

// Pipeline wires C1/C2/C3/C4/C5/C6/C7 together behind the single
// Process entry point C9 describes.
type Pipeline struct {
	router      *router.Resolver
	limiter     *ratelimiter.Limiter
	transformer *transform.Transformer
	bus         eventbus.Bus
	log         *zap.Logger
	client      *http.Client
	metrics     *Metrics

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New builds a Pipeline. client is the base HTTP client used for
// backend dispatch; per-request deadlines are derived from the
// resolved route's timeout.
func New(resolver *router.Resolver, limiter *ratelimiter.Limiter, transformer *transform.Transformer, bus eventbus.Bus, client *http.Client, metrics *Metrics, log *zap.Logger) *Pipeline {
	if client == nil {
		client = &http.Client{}
	}
	return &Pipeline{
		router:      resolver,
		limiter:     limiter,
		transformer: transformer,
		bus:         bus,
		client:      client,
		metrics:     metrics,
		log:         log,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Process implements spec.md §4.8's nine steps. It is installed as the
// catch-all handler behind the control-endpoint routes.
func (p *Pipeline) Process(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Step 1: correlation id. WithCorrelationID has already minted or
	// echoed it and bound it to the request context; bind it to this
	// request's logger too so every downstream log line carries it.
	correlationID := gwmiddleware.CorrelationID(r.Context())
	log := p.log.With(zap.String("correlationId", correlationID))

	// Step 2: control-path guard.
	for _, prefix := range controlPathPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			gatewayhttp.WriteNotFound(w, "control endpoints are not proxied")
			return
		}
	}

	principal := gwmiddleware.Principal(r.Context())

	// Step 3: rate limit.
	clientID := resolveClientID(r, principal)
	rlResult, err := p.limiter.Check(r.Context(), clientID, r.URL.Path)
	if err != nil {
		log.Warn("rate limiter check failed", zap.Error(err))
	}
	if !rlResult.Admitted {
		if p.metrics != nil {
			p.metrics.Rejections.WithLabelValues(domain.ErrCodeRateLimited).Inc()
		}
		gatewayhttp.WriteRateLimited(w, "rate limit exceeded", int(rlResult.RetryAfter.Seconds()), rlResult.Limit, rlResult.Remaining)
		return
	}
	if p.metrics != nil {
		p.metrics.Admissions.Inc()
	}

	// Step 4: route resolve.
	match, ok := p.router.Resolve(r.Method, r.URL.Path)
	if !ok {
		if p.metrics != nil {
			p.metrics.Rejections.WithLabelValues(domain.ErrCodeNotFound).Inc()
		}
		gatewayhttp.WriteNotFound(w, "no route matches "+r.URL.Path)
		return
	}

	// Authorization: scope check. The host framework performs
	// authentication before Process ever runs (spec.md §7); scope
	// checking is deferred to here because it needs the resolved
	// route's RequiredScopes, which only exist after step 4.
	if !hasRequiredScopes(principal, routeRequiredScopes(p.router, match.RouteID)) {
		gatewayhttp.WriteError(w, http.StatusForbidden, "FORBIDDEN", "principal lacks required scope for this route")
		return
	}

	ctx := r.Context()
	if match.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, match.Timeout)
		defer cancel()
	}

	outcome := p.dispatch(ctx, log, r, match)

	duration := time.Since(start)
	if outcome.err != nil {
		p.emitGatewayError(correlationID, match, r, outcome.errCode, outcome.err)
		p.writeDispatchError(w, outcome)
		return
	}

	p.writeResponse(w, log, match, outcome)
	p.emitRequestProcessed(correlationID, match, r, principal, outcome.statusCode, duration)
}

func hasRequiredScopes(p *domain.Principal, required []string) bool {
	if len(required) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, scope := range required {
		if !p.HasScope(scope) {
			return false
		}
	}
	return true
}

func routeRequiredScopes(resolver *router.Resolver, routeID string) []string {
	for _, def := range resolver.List() {
		if def.ID == routeID {
			return def.RequiredScopes
		}
	}
	return nil
}

// dispatchOutcome carries everything writeResponse/emit* need, whether
// the backend call succeeded or failed.
type dispatchOutcome struct {
	statusCode int
	header     http.Header
	body       []byte
	bodyModified bool
	err        error
	errCode    string
}

func (p *Pipeline) dispatch(ctx context.Context, log *zap.Logger, r *http.Request, match *domain.RouteMatch) dispatchOutcome {
	reqBody, bodyModified, err := p.transformRequestBody(ctx, r, match)
	if err != nil {
		return dispatchOutcome{err: err, errCode: domain.ErrCodeInternal}
	}

	outboundReq, err := p.buildOutboundRequest(ctx, r, match, reqBody, bodyModified)
	if err != nil {
		return dispatchOutcome{err: err, errCode: domain.ErrCodeInternal}
	}

	start := time.Now()
	resp, err := p.dispatchWithResilience(ctx, match, outboundReq)
	if p.metrics != nil {
		p.metrics.BackendLatency.WithLabelValues(match.ServiceName).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return dispatchOutcome{err: err, errCode: classifyDispatchError(ctx, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatchOutcome{err: err, errCode: domain.ErrCodeBadGateway}
	}

	outBody, outModified, err := p.transformResponseBody(ctx, match, resp, respBody)
	if err != nil {
		log.Warn("response transform failed, forwarding raw body", zap.Error(err))
		outBody, outModified = respBody, false
	}

	return dispatchOutcome{
		statusCode:   resp.StatusCode,
		header:       resp.Header,
		body:         outBody,
		bodyModified: outModified,
	}
}

// transformRequestBody implements step 5: parse JSON, apply the
// (gateway.incoming -> service.request) mapping if one is registered
// for this route, otherwise forward the original bytes untouched.
func (p *Pipeline) transformRequestBody(ctx context.Context, r *http.Request, match *domain.RouteMatch) ([]byte, bool, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, false, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false, err
	}
	r.Body.Close()

	if !looksLikeJSON(r.Header.Get("Content-Type"), raw) {
		return raw, false, nil
	}

	src, tgt := incomingSchemaName(match.RouteID), requestSchemaName(match.RouteID)
	if !p.transformer.HasMapping(src, tgt) {
		return raw, false, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false, nil
	}
	transformed, err := p.transformer.TransformRequest(ctx, doc, src, tgt)
	if err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(transformed)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// transformResponseBody implements step 8: the response-side counterpart
// of step 5's request transform.
func (p *Pipeline) transformResponseBody(ctx context.Context, match *domain.RouteMatch, resp *http.Response, raw []byte) ([]byte, bool, error) {
	if !looksLikeJSON(resp.Header.Get("Content-Type"), raw) {
		return raw, false, nil
	}

	src, tgt := responseSchemaName(match.RouteID), outgoingSchemaName(match.RouteID)
	if !p.transformer.HasMapping(src, tgt) {
		return raw, false, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false, nil
	}
	transformed, err := p.transformer.TransformResponse(ctx, doc, src, tgt)
	if err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(transformed)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func looksLikeJSON(contentType string, body []byte) bool {
	if strings.Contains(contentType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// hopByHopPrefixes are stripped from the inbound header set before
// copying it onto the outbound request (spec.md §4.8 step 6).
var hopByHopPrefixes = []string{"Content-"}

// buildOutboundRequest implements step 6.
func (p *Pipeline) buildOutboundRequest(ctx context.Context, r *http.Request, match *domain.RouteMatch, body []byte, bodyModified bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, match.TargetURI, nil)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") || hasHopByHopPrefix(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	for name, value := range match.InjectHeaders {
		req.Header.Set(name, value)
	}
	req.Header.Set(gwmiddleware.CorrelationIDHeader, gwmiddleware.CorrelationID(ctx))

	if bodyModified {
		req.Header.Set("Content-Type", "application/json")
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	} else if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}
	}

	return req, nil
}

func hasHopByHopPrefix(header string) bool {
	for _, prefix := range hopByHopPrefixes {
		if strings.HasPrefix(header, prefix) {
			return true
		}
	}
	return false
}

// breakerFor returns the per-route circuit breaker, creating it with
// spec.md §4.8 step 7's thresholds on first use.
func (p *Pipeline) breakerFor(routeID string) *gobreaker.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if b, ok := p.breakers[routeID]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        routeID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && p.metrics != nil {
				p.metrics.BreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	p.breakers[routeID] = b
	return b
}

// dispatchWithResilience wraps the backend call in retry (exponential
// backoff starting at route.Retry.BaseBackoff, doubling for each of the
// configured retries) composed with the route's circuit breaker.
func (p *Pipeline) dispatchWithResilience(ctx context.Context, match *domain.RouteMatch, req *http.Request) (*http.Response, error) {
	breaker := p.breakerFor(match.RouteID)
	policy := match.Retry
	if policy.MaxAttempts <= 0 {
		policy = domain.DefaultRetryPolicy()
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return retry.DoWithData(
			func() (*http.Response, error) {
				resp, err := p.client.Do(req.Clone(ctx))
				if err != nil {
					return nil, err
				}
				if resp.StatusCode >= 500 {
					resp.Body.Close()
					return nil, &dispatchStatusError{StatusCode: resp.StatusCode}
				}
				return resp, nil
			},
			retry.Context(ctx),
			retry.Attempts(uint(policy.MaxAttempts)+1),
			retry.Delay(policy.BaseBackoff),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isTransientDispatchError),
		)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func isTransientDispatchError(err error) bool {
	var httpErr *dispatchStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	// Anything else reaching here is a network-level failure
	// (connection reset, DNS failure, timeout) and is always transient.
	return true
}

// dispatchStatusError lets the 5xx case participate in retry.RetryIf
// without retry-go needing to know about *http.Response.
type dispatchStatusError struct {
	StatusCode int
}

func (e *dispatchStatusError) Error() string {
	return "backend responded with status " + http.StatusText(e.StatusCode)
}

func classifyDispatchError(ctx context.Context, err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return domain.ErrCodeGatewayTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrCodeGatewayTimeout
	}
	return domain.ErrCodeBadGateway
}

func (p *Pipeline) writeDispatchError(w http.ResponseWriter, outcome dispatchOutcome) {
	switch outcome.errCode {
	case domain.ErrCodeGatewayTimeout:
		gatewayhttp.WriteGatewayTimeout(w, outcome.err.Error())
	case domain.ErrCodeBadGateway:
		gatewayhttp.WriteBadGateway(w, outcome.err.Error())
	default:
		gatewayhttp.WriteInternalError(w, outcome.err.Error())
	}
	if p.metrics != nil {
		p.metrics.Rejections.WithLabelValues(outcome.errCode).Inc()
	}
}

// writeResponse implements step 8's header-copy rules.
func (p *Pipeline) writeResponse(w http.ResponseWriter, log *zap.Logger, match *domain.RouteMatch, outcome dispatchOutcome) {
	for name, values := range outcome.header {
		if outcome.bodyModified && strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if outcome.statusCode == 0 {
		outcome.statusCode = http.StatusOK
	}
	w.WriteHeader(outcome.statusCode)
	if _, err := w.Write(outcome.body); err != nil {
		log.Warn("failed writing response body", zap.Error(err))
	}
}

// emitRequestProcessed and emitGatewayError implement step 9. Both
// publish off the response path: failures are logged at warn and never
// surfaced to the caller.
func (p *Pipeline) emitRequestProcessed(correlationID string, match *domain.RouteMatch, r *http.Request, principal *domain.Principal, statusCode int, duration time.Duration) {
	if p.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"serviceName": match.ServiceName,
		"routeId":     match.RouteID,
		"status":      statusCode,
		"durationMs":  duration.Milliseconds(),
		"endpoint":    r.URL.Path,
		"method":      r.Method,
	}
	if principal != nil {
		payload["principalSubject"] = principal.Subject
		payload["authType"] = principal.AuthType
	}
	p.publishAsync(domain.EventAPIRequestProcessed, correlationID, payload)
}

func (p *Pipeline) emitGatewayError(correlationID string, match *domain.RouteMatch, r *http.Request, code string, err error) {
	if p.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"code":     code,
		"message":  err.Error(),
		"endpoint": r.URL.Path,
		"method":   r.Method,
	}
	if match != nil {
		payload["routeId"] = match.RouteID
		payload["serviceName"] = match.ServiceName
	}
	p.publishAsync(domain.EventGatewayError, correlationID, payload)
}

func (p *Pipeline) publishAsync(eventType, correlationID string, payload map[string]interface{}) {
	event := domain.IntegrationEvent{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Source:        eventSource,
		EventType:     eventType,
		Payload:       payload,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.bus.Publish(ctx, event); err != nil {
			p.log.Warn("event publish failed", zap.String("eventType", eventType), zap.Error(err))
		}
	}()
}
