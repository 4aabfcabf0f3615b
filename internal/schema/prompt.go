package schema

import (
	"fmt"
	"strings"
)

const systemMessage = `You are a web scraping assistant specialized in extracting information from venture capital and investment firm websites. Extract the requested information from the provided page content.

Typical fields:
- company_location: the physical location(s) of the company/firm
- company_overview: a summary of the company's mission, history, and approach
- investment_criteria: the specific criteria they use when evaluating investment opportunities
- investment_strategy: their overall investment approach, focus areas, and methodology
- portfolio_companies: the companies they have invested in
- team_leadership: an array of team members, each with exactly "name", "role" and "bio"

Rules:
- If a field's information is not found, return an empty string for that field.
- For team_leadership, if no team members are found, return an empty array.
- Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.`

// Instructions returns the system prompt for this schema, ending with the
// exact JSON shape the reply must follow.
func (s Schema) Instructions() string {
	var sb strings.Builder
	sb.WriteString(systemMessage)
	sb.WriteString("\n\nStrictly follow this schema:\n")
	sb.WriteString(s.Shape())
	return sb.String()
}

// Shape renders the listings wrapper with one line per field, e.g.
//
//	{
//	  "listings": [
//	    {
//	      "company_location": "string",
//	      "team_leadership": [{"name": "string", "role": "string", "bio": "string"}]
//	    }
//	  ]
//	}
func (s Schema) Shape() string {
	lines := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		switch f.Kind {
		case NestedList:
			props := make([]string, len(f.Shape.Properties))
			for i, p := range f.Shape.Properties {
				props[i] = fmt.Sprintf("%q: \"string\"", p)
			}
			lines = append(lines, fmt.Sprintf("      %q: [{%s}]", f.Key, strings.Join(props, ", ")))
		default:
			lines = append(lines, fmt.Sprintf("      %q: \"string\"", f.Key))
		}
	}

	var sb strings.Builder
	sb.WriteString("{\n  \"listings\": [\n    {\n")
	sb.WriteString(strings.Join(lines, ",\n"))
	if len(lines) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("    }\n  ]\n}")
	return sb.String()
}
