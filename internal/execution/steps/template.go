package steps

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/animus-labs/scenario-engine/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders with values from the run context.
// Dotted keys walk nested maps. Missing keys render as empty strings.
func Render(tmpl string, values domain.Metadata) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookupPath(values, key)
		if !ok || value == nil {
			return ""
		}
		return stringify(value)
	})
}

func lookupPath(values map[string]any, key string) (any, bool) {
	if v, ok := values[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	var current any = values
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case domain.Metadata:
		return m, true
	default:
		return nil, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, domain.Metadata, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}
