package schema

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuild_TeamAndFlat(t *testing.T) {
	s := Build([]string{"team/leadership", "company location"})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	team := s.Fields[0]
	if team.Key != "team_leadership" || team.Kind != NestedList {
		t.Errorf("Fields[0] = %+v, want team_leadership NestedList", team)
	}
	if team.Shape == nil || !reflect.DeepEqual(team.Shape.Properties, []string{"name", "role", "bio"}) {
		t.Errorf("team shape = %+v", team.Shape)
	}

	loc := s.Fields[1]
	if loc.Key != "company_location" || loc.Kind != Flat {
		t.Errorf("Fields[1] = %+v, want company_location Flat", loc)
	}
}

func TestBuild_Empty(t *testing.T) {
	s := Build(nil)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if _, ok := s.Nested(); ok {
		t.Error("empty schema reports a nested field")
	}

	shape := s.Shape()
	if !strings.Contains(shape, `"listings"`) {
		t.Errorf("Shape() missing listings wrapper: %s", shape)
	}
}

func TestBuild_NormalizesAndDedupes(t *testing.T) {
	s := Build([]string{"portfolio companies", "portfolio/companies", " investment strategy ", "", "team/leadership", "Team/Leadership"})

	want := []string{"portfolio_companies", "investment_strategy", "team_leadership"}
	if got := s.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	nested := 0
	for _, f := range s.Fields {
		if f.Kind == NestedList {
			nested++
		}
	}
	if nested != 1 {
		t.Errorf("nested fields = %d, want 1", nested)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"company location", "company_location"},
		{"team/leadership", "team_leadership"},
		{"a\tb", "a_b"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJSONSchema(t *testing.T) {
	s := Build([]string{"team/leadership", "company location"})
	js := s.JSONSchema()

	listings := js["properties"].(map[string]any)["listings"].(map[string]any)
	if listings["type"] != "array" {
		t.Fatalf("listings type = %v", listings["type"])
	}
	item := listings["items"].(map[string]any)
	props := item["properties"].(map[string]any)

	if props["company_location"].(map[string]any)["type"] != "string" {
		t.Errorf("company_location = %v", props["company_location"])
	}
	team := props["team_leadership"].(map[string]any)
	if team["type"] != "array" {
		t.Errorf("team_leadership type = %v", team["type"])
	}
	if !reflect.DeepEqual(item["required"], []string{"team_leadership", "company_location"}) {
		t.Errorf("required = %v", item["required"])
	}
}

func TestInstructions(t *testing.T) {
	s := Build([]string{"team/leadership", "company location"})
	got := s.Instructions()

	for _, want := range []string{
		"venture capital",
		`"listings": [`,
		`"company_location": "string"`,
		`"team_leadership": [{"name": "string", "role": "string", "bio": "string"}]`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Instructions() missing %q", want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	s := Build([]string{"team/leadership", "company location", "portfolio companies"})

	got := s.ApplyDefaults(map[string]any{
		"team_leadership": []any{
			map[string]any{"name": "Jane Doe", "role": "Partner"},
			"John Smith",
		},
		"portfolio_companies": []any{"Acme", "Globex"},
		"unexpected":          "dropped",
	})

	want := map[string]any{
		"team_leadership": []TeamMember{
			{Name: "Jane Doe", Role: "Partner"},
			{Name: "John Smith"},
		},
		"company_location":    "",
		"portfolio_companies": "Acme, Globex",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ApplyDefaults() = %#v, want %#v", got, want)
	}
}

func TestApplyDefaults_EmptySchema(t *testing.T) {
	got := Build(nil).ApplyDefaults(map[string]any{"anything": "x"})
	if len(got) != 0 {
		t.Errorf("ApplyDefaults() = %v, want empty", got)
	}
}

func TestApplyDefaults_MissingTeamIsEmptyList(t *testing.T) {
	got := Build([]string{"team/leadership"}).ApplyDefaults(nil)
	members, ok := got["team_leadership"].([]TeamMember)
	if !ok || members == nil || len(members) != 0 {
		t.Errorf("team_leadership = %#v, want empty non-nil list", got["team_leadership"])
	}
}
