package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApplyDefaults returns a copy of data holding exactly the schema's fields.
// Missing flat fields become "", missing nested fields become an empty list,
// and values of the wrong type are coerced rather than rejected. Keys not in
// the schema are dropped.
func (s Schema) ApplyDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v := data[f.Key]
		switch f.Kind {
		case NestedList:
			out[f.Key] = coerceMembers(v)
		default:
			out[f.Key] = coerceString(v)
		}
	}
	return out
}

func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func coerceMembers(v any) []TeamMember {
	members := []TeamMember{}
	switch val := v.(type) {
	case []TeamMember:
		return append(members, val...)
	case []any:
		for _, item := range val {
			switch m := item.(type) {
			case map[string]any:
				members = append(members, TeamMember{
					Name: coerceString(m["name"]),
					Role: coerceString(m["role"]),
					Bio:  coerceString(m["bio"]),
				})
			case string:
				if m != "" {
					members = append(members, TeamMember{Name: m})
				}
			}
		}
	case map[string]any:
		return coerceMembers([]any{val})
	}
	return members
}
