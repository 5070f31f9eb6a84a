// Package transform implements the C4 payload transformer: schema-
// mapping-driven field transcription between a source and target
// document shape. Path walking is this package's own (path.go); the C3
// schema mapper supplies lookup and validation.
package transform

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/schema"
)

// TransformError reports a failed transform, naming the offending path
// per spec.md §7's "Transform failures" handling.
type TransformError struct {
	Path    string
	Message string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform: %s: %s", e.Path, e.Message)
}

type mappingKey struct {
	source string
	target string
}

// Transformer is the C4 component.
type Transformer struct {
	schema *schema.Mapper
	log    *zap.Logger

	mu       sync.RWMutex
	mappings map[mappingKey]domain.SchemaMapping
}

// New builds a Transformer over an existing schema.Mapper, whose
// Validate and Lookup this package delegates to.
func New(s *schema.Mapper, log *zap.Logger) *Transformer {
	return &Transformer{
		schema:   s,
		log:      log,
		mappings: make(map[mappingKey]domain.SchemaMapping),
	}
}

// RegisterMapping adds or replaces the (source, target) mapping.
func (t *Transformer) RegisterMapping(m domain.SchemaMapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings[mappingKey{m.SourceSchema, m.TargetSchema}] = m
}

// UnregisterMapping removes the (source, target) mapping, if present.
func (t *Transformer) UnregisterMapping(source, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mappings, mappingKey{source, target})
}

// HasMapping reports whether an active mapping exists for (source, target).
func (t *Transformer) HasMapping(source, target string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mappings[mappingKey{source, target}]
	return ok && m.Active
}

func (t *Transformer) lookupMapping(source, target string) (domain.SchemaMapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mappings[mappingKey{source, target}]
	return m, ok
}

// Validate delegates to the underlying schema.Mapper (spec.md §4.5's
// "validate(doc, schemaName) delegates to C3").
func (t *Transformer) Validate(document map[string]interface{}, schemaName string) domain.ValidationResult {
	return t.schema.Validate(document, schemaName)
}

// TransformRequest applies the registered (src, tgt) mapping to doc. An
// absent or inactive mapping returns doc unchanged, per spec.md §4.5.
func (t *Transformer) TransformRequest(ctx context.Context, doc map[string]interface{}, src, tgt string) (map[string]interface{}, error) {
	return t.apply(ctx, doc, src, tgt)
}

// TransformResponse mirrors TransformRequest for the return path; the
// direction only matters for which mapping key is looked up, so it
// shares the same algorithm.
func (t *Transformer) TransformResponse(ctx context.Context, doc map[string]interface{}, src, tgt string) (map[string]interface{}, error) {
	return t.apply(ctx, doc, src, tgt)
}

func (t *Transformer) apply(ctx context.Context, doc map[string]interface{}, src, tgt string) (map[string]interface{}, error) {
	mapping, ok := t.lookupMapping(src, tgt)
	if !ok || !mapping.Active {
		return doc, nil
	}

	target := make(map[string]interface{})
	for _, field := range mapping.Fields {
		value, err := t.applyOperator(ctx, doc, field)
		if err != nil {
			return nil, err
		}

		if value == nil {
			if field.DefaultValue != nil {
				value = field.DefaultValue
			} else if field.Required {
				t.log.Warn("transform aborted: required field produced null",
					zap.String("field", field.Name), zap.String("targetPath", field.TargetPath))
				return nil, &TransformError{Path: field.TargetPath, Message: "required field resolved to null"}
			} else {
				continue
			}
		}

		if err := setPath(target, field.TargetPath, value); err != nil {
			return nil, &TransformError{Path: field.TargetPath, Message: err.Error()}
		}
	}
	return target, nil
}
