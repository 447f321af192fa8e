package expressions

import "strings"

// Interpolate replaces {{name}} placeholders in a template with values from
// the given sources, checked in order (first hit wins). Names may be dotted
// paths into nested maps. Unresolved placeholders are left verbatim.
func Interpolate(template string, sources ...map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx

		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			// Unclosed marker: keep the rest verbatim.
			result.WriteString(template[start:])
			break
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end])

		if val, ok := resolveName(name, sources); ok {
			result.WriteString(Stringify(val))
		} else {
			// Unknown variable: leave the placeholder untouched.
			result.WriteString(template[start : end+2])
		}

		i = end + 2
	}

	return result.String()
}

func resolveName(name string, sources []map[string]any) (any, bool) {
	if name == "" {
		return nil, false
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		// Direct key first (supports keys containing dots), then path traversal.
		if val, ok := src[name]; ok {
			return val, true
		}
		if val, ok := LookupPath(src, name); ok {
			return val, true
		}
	}
	return nil, false
}

// HasPlaceholders reports whether a template contains any {{...}} markers.
func HasPlaceholders(template string) bool {
	return strings.Contains(template, "{{")
}
