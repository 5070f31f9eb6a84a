// Package schema implements the C3 schema mapper: named document
// schemas plus lookup tables, validated and resolved on behalf of the
// payload transformer (internal/transform).
package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/domain"
)

// Mapper is the C3 component. It is safe for concurrent use.
type Mapper struct {
	store cache.Store
	log   *zap.Logger

	mu            sync.RWMutex
	schemas       map[string]domain.Schema
	lookupTables  map[string]domain.LookupTable
	patternCache  map[string]*regexp.Regexp
}

// New builds a Mapper. store backs the cross-instance lookup-table
// fallback described in spec.md §4.4.
func New(store cache.Store, log *zap.Logger) *Mapper {
	return &Mapper{
		store:        store,
		log:          log,
		schemas:      make(map[string]domain.Schema),
		lookupTables: make(map[string]domain.LookupTable),
		patternCache: make(map[string]*regexp.Regexp),
	}
}

// RegisterSchema adds or replaces the schema under schema.Name.
func (m *Mapper) RegisterSchema(s domain.Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[s.Name] = s
}

// RegisterLookupTable adds or replaces a lookup table and replicates it
// to the shared counter store under lookup:{table}:{key} so every
// gateway instance observes the same entries, even ones registered on
// a peer process.
func (m *Mapper) RegisterLookupTable(ctx context.Context, table domain.LookupTable) error {
	m.mu.Lock()
	m.lookupTables[table.Name] = table
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	for k, v := range table.Entries {
		if err := m.store.Set(ctx, lookupKey(table.Name, k), v, 0); err != nil {
			return fmt.Errorf("schema: replicate lookup table %q: %w", table.Name, err)
		}
	}
	return nil
}

func lookupKey(table, key string) string {
	return fmt.Sprintf("lookup:%s:%s", table, key)
}

// Lookup resolves sourceValue through tableName: process-local map
// first, then the shared store fallback (covers entries registered on
// a peer instance after this process last saw the table).
func (m *Mapper) Lookup(ctx context.Context, sourceValue, tableName string) (string, bool) {
	m.mu.RLock()
	table, ok := m.lookupTables[tableName]
	m.mu.RUnlock()

	if ok {
		if v, found := table.Entries[sourceValue]; found {
			return v, true
		}
	}

	if m.store == nil {
		return "", false
	}
	v, err := m.store.Get(ctx, lookupKey(tableName, sourceValue))
	if err != nil {
		return "", false
	}
	return v, true
}

// Validate checks document against the named schema per spec.md §4.4.
// An unknown schema name is the open-world default: a valid result
// with a warning, never an error.
func (m *Mapper) Validate(document map[string]interface{}, schemaName string) domain.ValidationResult {
	m.mu.RLock()
	s, ok := m.schemas[schemaName]
	m.mu.RUnlock()

	if !ok {
		m.log.Warn("validating against unknown schema", zap.String("schema", schemaName))
		return domain.ValidationResult{
			Valid:    true,
			Warnings: []string{fmt.Sprintf("unknown schema %q, skipping validation", schemaName)},
		}
	}

	var errs []domain.ValidationError

	for _, field := range s.Required {
		if _, present := document[field]; !present {
			errs = append(errs, domain.ValidationError{
				Path:    "$." + field,
				Message: fmt.Sprintf("required field %q is missing", field),
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for name, constraint := range s.Properties {
		value, present := document[name]
		if !present {
			continue
		}
		errs = append(errs, m.checkConstraint("$."+name, value, constraint)...)
	}

	return domain.ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

func (m *Mapper) checkConstraint(path string, value interface{}, c domain.PropertyConstraint) []domain.ValidationError {
	var errs []domain.ValidationError

	if c.Type != "" {
		if !matchesType(value, c.Type) {
			errs = append(errs, domain.ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("expected type %q", c.Type),
				Code:        "TYPE_MISMATCH",
				ActualValue: value,
			})
			return errs // further checks assume the declared type
		}
	}

	switch c.Type {
	case "string":
		s, _ := value.(string)
		if c.MinLength != nil && len(s) < *c.MinLength {
			errs = append(errs, domain.ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("length %d is below minLength %d", len(s), *c.MinLength),
				Code:        "MIN_LENGTH",
				ActualValue: len(s),
			})
		}
		if c.MaxLength != nil && len(s) > *c.MaxLength {
			errs = append(errs, domain.ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("length %d exceeds maxLength %d", len(s), *c.MaxLength),
				Code:        "MAX_LENGTH",
				ActualValue: len(s),
			})
		}
		if c.Pattern != "" {
			re, err := m.compiledPattern(c.Pattern)
			if err != nil {
				errs = append(errs, domain.ValidationError{
					Path: path, Message: "invalid pattern: " + err.Error(), Code: "PATTERN_INVALID",
				})
			} else if !re.MatchString(s) {
				errs = append(errs, domain.ValidationError{
					Path: path, Message: fmt.Sprintf("value does not match pattern %q", c.Pattern),
					Code: "PATTERN_MISMATCH", ActualValue: s,
				})
			}
		}
	case "number", "integer":
		n, _ := toFloat64(value)
		if c.Type == "integer" && n != float64(int64(n)) {
			errs = append(errs, domain.ValidationError{
				Path: path, Message: "expected a whole number", Code: "NOT_INTEGER", ActualValue: value,
			})
		}
		if c.Minimum != nil && n < *c.Minimum {
			errs = append(errs, domain.ValidationError{
				Path: path, Message: fmt.Sprintf("%v is below minimum %v", n, *c.Minimum),
				Code: "MINIMUM", ActualValue: n,
			})
		}
		if c.Maximum != nil && n > *c.Maximum {
			errs = append(errs, domain.ValidationError{
				Path: path, Message: fmt.Sprintf("%v exceeds maximum %v", n, *c.Maximum),
				Code: "MAXIMUM", ActualValue: n,
			})
		}
	}

	return errs
}

func (m *Mapper) compiledPattern(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.patternCache[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.patternCache[pattern] = compiled
	m.mu.Unlock()
	return compiled, nil
}

func matchesType(value interface{}, declared string) bool {
	switch declared {
	case "null":
		return value == nil
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "number":
		_, ok := toFloat64(value)
		return ok
	case "integer":
		_, ok := toFloat64(value)
		return ok
	default:
		return true
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
