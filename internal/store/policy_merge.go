package store

// deepMerge merges overlay into base and returns a new map. Nested map
// values merge recursively; scalars and slices overwrite. Neither input is
// mutated.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = cloneValue(v)
	}

	for k, v := range overlay {
		existing, ok := merged[k]
		if !ok {
			merged[k] = cloneValue(v)
			continue
		}

		existingMap, existingIsMap := existing.(map[string]interface{})
		overlayMap, overlayIsMap := v.(map[string]interface{})
		if existingIsMap && overlayIsMap {
			merged[k] = deepMerge(existingMap, overlayMap)
		} else {
			merged[k] = cloneValue(v)
		}
	}

	return merged
}

// cloneMap returns a deep copy of m. A nil map stays nil.
func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneSlice returns a deep copy of s. A nil slice stays nil.
func cloneSlice(s []interface{}) []interface{} {
	if s == nil {
		return nil
	}
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies maps and slices; scalars are returned as-is.
func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		return cloneSlice(val)
	default:
		return v
	}
}
