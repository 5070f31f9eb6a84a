package transform

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aras-services/api-gateway/internal/domain"
)

var concatToken = regexp.MustCompile(`\$\.[A-Za-z0-9_.]+`)

var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
}

// applyOperator runs one FieldMapping's operator against source and
// returns the produced value, or nil when the operator has nothing to
// contribute (spec.md §4.5's seven operators).
func (t *Transformer) applyOperator(ctx context.Context, source map[string]interface{}, m domain.FieldMapping) (interface{}, error) {
	switch m.Operator {
	case domain.OpDirect:
		v, ok := getPath(source, m.SourcePath)
		if !ok {
			return nil, nil
		}
		return deepCopy(v), nil

	case domain.OpConstant:
		return m.Argument, nil

	case domain.OpFormat:
		v, ok := getPath(source, m.SourcePath)
		if !ok {
			return nil, nil
		}
		return formatValue(v, m.Argument), nil

	case domain.OpMap:
		v, ok := getPath(source, m.SourcePath)
		if !ok {
			return nil, nil
		}
		key := stringify(v)
		if mapped, found := m.InlineMap[key]; found {
			return mapped, nil
		}
		return v, nil

	case domain.OpLookup:
		v, ok := getPath(source, m.SourcePath)
		if !ok {
			return nil, nil
		}
		resolved, found := t.schema.Lookup(ctx, stringify(v), m.Argument)
		if !found {
			return nil, nil
		}
		return resolved, nil

	case domain.OpComputed:
		return t.evalComputed(source, m.Argument), nil

	case domain.OpConcat:
		return t.evalConcat(source, m.Argument), nil

	default:
		return nil, fmt.Errorf("transform: unsupported operator %q", m.Operator)
	}
}

// evalComputed covers the "constant or single path interpolation"
// default strategy spec.md §4.5 describes: an expression that is
// exactly one "$.path" token interpolates that value, anything else is
// emitted as the literal expression text.
func (t *Transformer) evalComputed(source map[string]interface{}, expr string) interface{} {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "$.") && !strings.ContainsAny(trimmed, " \t") {
		if v, ok := getPath(source, trimmed); ok {
			return v
		}
		return nil
	}
	return expr
}

func (t *Transformer) evalConcat(source map[string]interface{}, template string) string {
	return concatToken.ReplaceAllStringFunc(template, func(token string) string {
		v, ok := getPath(source, token)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func formatValue(v interface{}, layout string) interface{} {
	switch val := v.(type) {
	case string:
		if ts, ok := parseTimestamp(val); ok {
			if layout == "" {
				return ts.Format(time.RFC3339)
			}
			return ts.Format(layout)
		}
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return formatNumeric(n, layout)
		}
		return val
	case float64:
		return formatNumeric(val, layout)
	case int:
		return formatNumeric(float64(val), layout)
	case int64:
		return formatNumeric(float64(val), layout)
	default:
		return v
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func formatNumeric(n float64, format string) string {
	if format == "" {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprintf(format, n)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(val))
		for k, vv := range val {
			cp[k] = deepCopy(vv)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, vv := range val {
			cp[i] = deepCopy(vv)
		}
		return cp
	default:
		return val
	}
}
