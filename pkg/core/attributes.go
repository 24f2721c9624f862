// pkg/core/attributes.go
package core

// DataAttributes is the free-form data configuration of a visualization
// (attribute mappings, year, ...). Values are decoded JSON.
type DataAttributes map[string]any

// Get walks nested maps along path.
func (d DataAttributes) Get(path ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge copies values from update into d, but only for keys d already has.
// Nested objects are merged recursively, arrays and scalars are replaced.
func (d DataAttributes) Merge(update map[string]any) {
	mergeExisting(d, update)
}

// Clone returns a deep copy of nested maps. Slices are shared.
func (d DataAttributes) Clone() DataAttributes {
	if d == nil {
		return nil
	}
	return DataAttributes(cloneMap(d))
}

func mergeExisting(dst, update map[string]any) {
	for key, val := range update {
		cur, ok := dst[key]
		if !ok {
			continue
		}
		if nested, isMap := asMap(val); isMap {
			if curMap, curIsMap := asMap(cur); curIsMap {
				mergeExisting(curMap, nested)
			}
			continue
		}
		dst[key] = val
	}
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := asMap(v); ok {
			out[k] = cloneMap(m)
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case DataAttributes:
		return m, true
	}
	return nil, false
}
