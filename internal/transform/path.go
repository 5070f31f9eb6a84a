package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one path element: either an object field name or an array index.
type segment struct {
	field   string
	index   int
	isIndex bool
}

// compilePath parses a "$.a.b.0.c" style selector into its segments,
// rejecting anything that isn't a leading "$" followed by dotted
// field/index segments (spec.md §4.5 "Path semantics", Design Notes
// "Path selectors").
func compilePath(path string) ([]segment, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("transform: path %q must start with $", path)
	}
	rest := strings.TrimPrefix(path, "$")
	rest = strings.TrimPrefix(rest, ".")
	if rest == "" {
		return nil, nil
	}

	parts := strings.Split(rest, ".")
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("transform: path %q has an empty segment", path)
		}
		if n, err := strconv.Atoi(p); err == nil {
			segments = append(segments, segment{index: n, isIndex: true})
			continue
		}
		segments = append(segments, segment{field: p})
	}
	return segments, nil
}

// getPath reads the value at path inside doc, walking map[string]any and
// []any nodes. Returns (nil, false) if any segment along the way is
// absent or out of range.
func getPath(doc interface{}, path string) (interface{}, bool) {
	segments, err := compilePath(path)
	if err != nil {
		return nil, false
	}

	var cur interface{} = doc
	for _, seg := range segments {
		switch {
		case seg.isIndex:
			arr, ok := cur.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
		default:
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			v, present := obj[seg.field]
			if !present {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

// setPath writes value at path inside doc, creating missing intermediate
// objects as it descends. doc must be a non-nil map[string]interface{}.
// Writing into an array index beyond the array's current length is an
// error per spec.md §4.5.
func setPath(doc map[string]interface{}, path string, value interface{}) error {
	segments, err := compilePath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("transform: cannot write to root path %q", path)
	}

	var cur interface{} = doc
	for i, seg := range segments {
		last := i == len(segments)-1

		if seg.isIndex {
			arr, ok := cur.([]interface{})
			if !ok {
				return fmt.Errorf("transform: path %q expects an array at segment %d", path, i)
			}
			if seg.index < 0 || seg.index >= len(arr) {
				return fmt.Errorf("transform: path %q index %d is out of range (len=%d)", path, seg.index, len(arr))
			}
			if last {
				arr[seg.index] = value
				return nil
			}
			cur = arr[seg.index]
			continue
		}

		obj, ok := cur.(map[string]interface{})
		if !ok {
			return fmt.Errorf("transform: path %q expects an object at segment %d", path, i)
		}
		if last {
			obj[seg.field] = value
			return nil
		}
		next, present := obj[seg.field]
		if !present || next == nil {
			next = make(map[string]interface{})
			obj[seg.field] = next
		}
		cur = next
	}
	return nil
}
