package multitenantengine

import (
	"regexp"
	"strings"

	"github.com/liamcoop/automations/rules"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// interpolate replaces {{path}} placeholders with values from data.
// Unresolved or null paths render as the empty string.
func interpolate(s string, data rules.Value) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := data.Lookup(path)
		if !ok || v.Kind() == rules.KindNull {
			return ""
		}
		return v.Text()
	})
}

// interpolateAny walks maps and slices and interpolates every string.
func interpolateAny(x any, data rules.Value) any {
	switch v := x.(type) {
	case string:
		return interpolate(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = interpolateAny(e, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = interpolateAny(e, data)
		}
		return out
	default:
		return x
	}
}
