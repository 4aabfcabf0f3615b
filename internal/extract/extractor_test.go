package extract

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/kalambet/firmscrape/internal/llm"
	"github.com/kalambet/firmscrape/internal/schema"
)

type mockEngine struct {
	resp  llm.Response
	err   error
	calls int
	last  llm.Request
}

func (m *mockEngine) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.calls++
	m.last = req
	return m.resp, m.err
}

func TestExtract_PlainObject(t *testing.T) {
	eng := &mockEngine{resp: llm.Response{
		Content: `{"team_leadership":[{"name":"Jane Doe","role":"Partner","bio":""}]}`,
		Usage:   llm.Usage{InputTokens: 1000, OutputTokens: 200},
	}}
	x := New(eng, nil, nil)

	res, err := x.Extract(context.Background(), "# Team\nJane Doe, Partner", schema.Build([]string{"team/leadership"}), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := map[string]any{"team_leadership": []schema.TeamMember{{Name: "Jane Doe", Role: "Partner"}}}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("Data = %#v, want %#v", res.Data, want)
	}
	if res.Usage != (llm.Usage{InputTokens: 1000, OutputTokens: 200}) {
		t.Errorf("Usage = %+v", res.Usage)
	}
	wantCost := 1000*0.15/1e6 + 200*0.60/1e6
	if math.Abs(res.Cost-wantCost) > 1e-12 {
		t.Errorf("Cost = %v, want %v", res.Cost, wantCost)
	}

	if len(eng.last.Messages) != 2 || eng.last.Messages[0].Role != "system" || eng.last.Messages[1].Content != "# Team\nJane Doe, Partner" {
		t.Errorf("messages = %+v", eng.last.Messages)
	}
	if eng.last.Schema == nil || eng.last.Model != "gpt-4o-mini" {
		t.Errorf("request = %+v", eng.last)
	}
}

func TestExtract_ListingsMerged(t *testing.T) {
	eng := &mockEngine{resp: llm.Response{Content: "```json\n" + `{"listings":[
		{"company_location":"","team_leadership":[{"name":"A","role":"GP","bio":""}]},
		{"company_location":"Berlin","team_leadership":[{"name":"B","role":"Partner","bio":"x"}]},
		{"company_location":"Paris"}
	]}` + "\n```"}}
	x := New(eng, nil, nil)

	res, err := x.Extract(context.Background(), "c", schema.Build([]string{"team/leadership", "company location"}), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Data["company_location"] != "Berlin" {
		t.Errorf("company_location = %v, want Berlin", res.Data["company_location"])
	}
	team := res.Data["team_leadership"].([]schema.TeamMember)
	if len(team) != 2 || team[0].Name != "A" || team[1].Name != "B" {
		t.Errorf("team = %+v", team)
	}
}

func TestExtract_NonJSONKeptAsRawText(t *testing.T) {
	eng := &mockEngine{resp: llm.Response{Content: "Sorry, I could not find anything."}}
	x := New(eng, nil, nil)

	res, err := x.Extract(context.Background(), "c", schema.Build([]string{"company location"}), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Data[RawTextKey] != "Sorry, I could not find anything." {
		t.Errorf("raw_text = %v", res.Data[RawTextKey])
	}
	if res.Data["company_location"] != "" {
		t.Errorf("company_location = %v, want default", res.Data["company_location"])
	}
}

func TestExtract_EmptySchemaSkipsModel(t *testing.T) {
	eng := &mockEngine{}
	x := New(eng, nil, nil)

	res, err := x.Extract(context.Background(), "c", schema.Build(nil), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if eng.calls != 0 {
		t.Errorf("engine called %d times", eng.calls)
	}
	if res.Data == nil || len(res.Data) != 0 || res.Usage != (llm.Usage{}) {
		t.Errorf("res = %+v", res)
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name string
		eng  *mockEngine
		want Kind
	}{
		{"model error", &mockEngine{err: errors.New("401 unauthorized")}, KindModel},
		{"empty reply", &mockEngine{resp: llm.Response{Content: "  "}}, KindMalformedReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.eng, nil, nil).Extract(context.Background(), "c", schema.Build([]string{"x"}), "m")
			var xe *Error
			if !errors.As(err, &xe) || xe.Kind != tt.want {
				t.Errorf("err = %v, want kind %v", err, tt.want)
			}
		})
	}
}

func TestExtract_UnknownModelCostsZero(t *testing.T) {
	eng := &mockEngine{resp: llm.Response{Content: `{"x":"y"}`, Usage: llm.Usage{InputTokens: 10, OutputTokens: 10}}}
	res, err := New(eng, nil, nil).Extract(context.Background(), "c", schema.Build([]string{"x"}), "llama3.1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Cost != 0 || res.Data["x"] != "y" {
		t.Errorf("res = %+v", res)
	}
}
