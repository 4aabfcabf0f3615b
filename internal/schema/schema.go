// Package schema builds the extraction contract handed to the LLM from a
// runtime list of field names.
package schema

import (
	"fmt"
	"strings"
)

// TeamField is the reserved field name that maps to a list of TeamMember records.
const TeamField = "team/leadership"

// FieldKind distinguishes flat string fields from the nested record list.
type FieldKind int

const (
	Flat FieldKind = iota
	NestedList
)

func (k FieldKind) String() string {
	switch k {
	case Flat:
		return "string"
	case NestedList:
		return "array"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// RecordShape is the ordered property list of a nested record. Every
// property is a string defaulting to "".
type RecordShape struct {
	Name       string
	Properties []string
}

// TeamMember is the record shape used for the team/leadership field.
type TeamMember struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Bio  string `json:"bio"`
}

// TeamMemberShape describes TeamMember for schema generation.
var TeamMemberShape = RecordShape{Name: "TeamMember", Properties: []string{"name", "role", "bio"}}

// Field is one entry of a Schema. Shape is only set for NestedList fields.
type Field struct {
	Key    string
	Source string
	Kind   FieldKind
	Shape  *RecordShape
}

// Schema is an ordered, duplicate-free set of fields with at most one
// NestedList field.
type Schema struct {
	Fields []Field
}

// Build turns requested field names into a Schema. Keys are normalized by
// replacing whitespace and "/" with "_"; later duplicates are dropped.
func Build(fieldNames []string) Schema {
	var s Schema
	seen := make(map[string]bool)
	nested := false

	for _, name := range fieldNames {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}

		f := Field{Key: NormalizeKey(trimmed), Source: trimmed, Kind: Flat}
		if strings.EqualFold(trimmed, TeamField) {
			if nested {
				continue
			}
			shape := TeamMemberShape
			f.Key = NormalizeKey(TeamField)
			f.Kind = NestedList
			f.Shape = &shape
			nested = true
		}

		if seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		s.Fields = append(s.Fields, f)
	}
	return s
}

// NormalizeKey converts a display name into a stable JSON key.
func NormalizeKey(name string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == '/' || r == '\\':
			sb.WriteByte('_')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Len returns the number of fields.
func (s Schema) Len() int { return len(s.Fields) }

// Keys returns field keys in order.
func (s Schema) Keys() []string {
	keys := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		keys[i] = f.Key
	}
	return keys
}

// Field looks up a field by key.
func (s Schema) Field(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Nested returns the NestedList field, if any.
func (s Schema) Nested() (Field, bool) {
	for _, f := range s.Fields {
		if f.Kind == NestedList {
			return f, true
		}
	}
	return Field{}, false
}

// JSONSchema returns a JSON Schema document for the listings container:
// {"listings": [ {<fields>} ]}. All fields are listed as required so strict
// structured-output backends emit every key.
func (s Schema) JSONSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"listings": map[string]any{
				"type":  "array",
				"items": s.ItemSchema(),
			},
		},
		"required":             []string{"listings"},
		"additionalProperties": false,
	}
}

// ItemSchema returns the JSON Schema of a single listing.
func (s Schema) ItemSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		switch f.Kind {
		case NestedList:
			memberProps := make(map[string]any, len(f.Shape.Properties))
			for _, p := range f.Shape.Properties {
				memberProps[p] = map[string]any{"type": "string"}
			}
			props[f.Key] = map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"properties":           memberProps,
					"required":             append([]string(nil), f.Shape.Properties...),
					"additionalProperties": false,
				},
			}
		default:
			props[f.Key] = map[string]any{"type": "string"}
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             s.Keys(),
		"additionalProperties": false,
	}
}
