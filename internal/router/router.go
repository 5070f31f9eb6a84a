// Package router implements the C6 route resolver: pattern compilation,
// priority/registration-order matching, target-path templating, and a
// cached backend health view.
package router

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/registry"
)

const healthCacheTTL = 30 * time.Second

type registeredRoute struct {
	def     domain.RouteDefinition
	pattern compiledPattern
	seq     uint64
}

// Resolver is the C6 component. Route reads never block on registration:
// the active set lives behind an atomically-swapped slice pointer.
type Resolver struct {
	log      *zap.Logger
	registry *registry.ServiceRegistry
	client   *http.Client

	active atomic.Pointer[[]registeredRoute]

	regMu   sync.Mutex // serializes Register/Unregister
	seqNext uint64
	seqByID map[string]uint64

	healthMu    sync.Mutex
	healthCache map[string]healthEntry
}

type healthEntry struct {
	status    domain.HealthStatus
	expiresAt time.Time
}

// New builds a Resolver. registry supplies backend base URLs for
// serviceHealth probes.
func New(reg *registry.ServiceRegistry, log *zap.Logger) *Resolver {
	r := &Resolver{
		log:         log,
		registry:    reg,
		client:      &http.Client{Timeout: 2 * time.Second},
		seqByID:     make(map[string]uint64),
		healthCache: make(map[string]healthEntry),
	}
	empty := []registeredRoute{}
	r.active.Store(&empty)
	return r
}

// Register compiles and installs def. Re-registering an existing routeId
// replaces its contents in place, preserving its original registration
// order (spec.md §8 invariant 2 — idempotent route registration).
func (r *Resolver) Register(def domain.RouteDefinition) error {
	pattern, err := compilePattern(def.Pattern)
	if err != nil {
		return err
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	seq, existing := r.seqByID[def.ID]
	if !existing {
		seq = r.seqNext
		r.seqNext++
		r.seqByID[def.ID] = seq
	}

	current := *r.active.Load()
	next := make([]registeredRoute, 0, len(current)+1)
	replaced := false
	for _, rr := range current {
		if rr.def.ID == def.ID {
			next = append(next, registeredRoute{def: def, pattern: pattern, seq: seq})
			replaced = true
			continue
		}
		next = append(next, rr)
	}
	if !replaced {
		next = append(next, registeredRoute{def: def, pattern: pattern, seq: seq})
	}

	sort.SliceStable(next, func(i, j int) bool {
		if next[i].def.Priority != next[j].def.Priority {
			return next[i].def.Priority < next[j].def.Priority
		}
		return next[i].seq < next[j].seq
	})

	r.active.Store(&next)
	return nil
}

// Unregister removes routeId from the active set, if present.
func (r *Resolver) Unregister(routeID string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	delete(r.seqByID, routeID)

	current := *r.active.Load()
	next := make([]registeredRoute, 0, len(current))
	for _, rr := range current {
		if rr.def.ID != routeID {
			next = append(next, rr)
		}
	}
	r.active.Store(&next)
}

// List returns a snapshot of the active route definitions, in match order.
func (r *Resolver) List() []domain.RouteDefinition {
	current := *r.active.Load()
	out := make([]domain.RouteDefinition, 0, len(current))
	for _, rr := range current {
		out = append(out, rr.def)
	}
	return out
}

// Resolve implements spec.md §4.1's matching algorithm: ascending
// priority, ties by registration order, first method-and-pattern match
// wins. A miss returns (nil, false) — the pipeline turns that into 404.
func (r *Resolver) Resolve(method, path string) (*domain.RouteMatch, bool) {
	current := *r.active.Load()

	for _, rr := range current {
		if !rr.def.Active {
			continue
		}
		if !methodAllowed(rr.def.AllowedMethods, method) {
			continue
		}
		params, ok := rr.pattern.match(path)
		if !ok {
			continue
		}
		return r.buildMatch(rr.def, rr.pattern, params, path), true
	}
	return nil, false
}

func methodAllowed(allowed []string, method string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (r *Resolver) buildMatch(def domain.RouteDefinition, pattern compiledPattern, params map[string]string, originalPath string) *domain.RouteMatch {
	targetPath := resolveTargetPath(def, pattern, params, originalPath)

	baseURL, err := r.registry.URLFor(def.ServiceName)
	if err != nil {
		r.log.Warn("route resolved to a service with no instances",
			zap.String("service", def.ServiceName), zap.Error(err))
		baseURL = ""
	}

	targetURI := joinURL(baseURL, targetPath)

	retry := def.Retry
	if retry.MaxAttempts == 0 {
		retry = domain.DefaultRetryPolicy()
	}

	return &domain.RouteMatch{
		RouteID:       def.ID,
		ServiceName:   def.ServiceName,
		TargetURI:     targetURI,
		Params:        params,
		Timeout:       def.Timeout,
		Retry:         retry,
		InjectHeaders: def.InjectHeaders,
	}
}

// resolveTargetPath implements the three-way rule from spec.md §4.1: a
// configured template wins, then a captured catch-all remainder, then
// the original request path verbatim.
func resolveTargetPath(def domain.RouteDefinition, pattern compiledPattern, params map[string]string, originalPath string) string {
	if def.TargetPathTmpl != "" {
		out := def.TargetPathTmpl
		for name, value := range params {
			out = strings.ReplaceAll(out, "{"+name+"}", value)
		}
		return out
	}
	if pattern.catchAllName != "" {
		return "/" + params[pattern.catchAllName]
	}
	return originalPath
}

func joinURL(baseURL, targetPath string) string {
	base := strings.TrimRight(baseURL, "/")
	return base + "/" + strings.TrimLeft(targetPath, "/")
}

// ServiceHealth returns a ≤30s-cached health view for serviceName,
// probing GET {instance}/health on a miss.
func (r *Resolver) ServiceHealth(ctx context.Context, serviceName string) domain.HealthStatus {
	r.healthMu.Lock()
	if entry, ok := r.healthCache[serviceName]; ok && time.Now().Before(entry.expiresAt) {
		r.healthMu.Unlock()
		return entry.status
	}
	r.healthMu.Unlock()

	status := r.probeHealth(ctx, serviceName)

	r.healthMu.Lock()
	r.healthCache[serviceName] = healthEntry{status: status, expiresAt: time.Now().Add(healthCacheTTL)}
	r.healthMu.Unlock()

	return status
}

func (r *Resolver) probeHealth(ctx context.Context, serviceName string) domain.HealthStatus {
	baseURL, err := r.registry.URLFor(serviceName)
	if err != nil {
		return domain.HealthUnhealthy
	}

	healthURL, err := url.JoinPath(baseURL, "health")
	if err != nil {
		return domain.HealthUnhealthy
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return domain.HealthUnhealthy
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.HealthUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.HealthHealthy
	}
	return domain.HealthDegraded
}

// Reload registers each of defs through Register, stopping at the first
// error; routes not named in defs stay registered. Route definitions
// arrive through Register the same way whether they originate from
// startup config or a later reload pass (spec.md §2
// "Schema mappings are registered once on startup and on config
// reload" — route registration follows the same lifecycle).
func (r *Resolver) Reload(defs []domain.RouteDefinition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("router: reload: %w", err)
		}
	}
	return nil
}
