package predicate

import "testing"

func TestCompileRejectsInvalidSchema(t *testing.T) {
	_, err := Compile([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected an error compiling invalid JSON Schema")
	}
}

func TestMatchMetaTrueWhenMetadataAloneSatisfies(t *testing.T) {
	p, err := Compile([]byte(`{
		"type": "object",
		"properties": {"set": {"const": "widgets"}}
	}`))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	state, err := p.MatchMeta(Meta{Set: "widgets"})
	if err != nil {
		t.Fatalf("MatchMeta: %v", err)
	}
	if state != True {
		t.Errorf("MatchMeta = %v, want True", state)
	}
}

func TestMatchMetaFalseOnNonBinsViolation(t *testing.T) {
	p, err := Compile([]byte(`{
		"type": "object",
		"properties": {"set": {"const": "widgets"}}
	}`))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	state, err := p.MatchMeta(Meta{Set: "other"})
	if err != nil {
		t.Fatalf("MatchMeta: %v", err)
	}
	if state != False {
		t.Errorf("MatchMeta = %v, want False", state)
	}
}

func TestMatchMetaUnknownWhenBinsNeeded(t *testing.T) {
	p, err := Compile([]byte(`{
		"type": "object",
		"properties": {
			"bins": {
				"type": "object",
				"required": ["score"]
			}
		},
		"required": ["bins"]
	}`))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	state, err := p.MatchMeta(Meta{Set: "widgets"})
	if err != nil {
		t.Fatalf("MatchMeta: %v", err)
	}
	if state != Unknown {
		t.Errorf("MatchMeta = %v, want Unknown (missing bins property needs bin data)", state)
	}
}

func TestMatchBinsDecides(t *testing.T) {
	p, err := Compile([]byte(`{
		"type": "object",
		"properties": {
			"bins": {
				"type": "object",
				"properties": {"score": {"minimum": 10}},
				"required": ["score"]
			}
		}
	}`))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	ok, err := p.MatchBins(Meta{}, map[string]any{"score": 20})
	if err != nil {
		t.Fatalf("MatchBins: %v", err)
	}
	if !ok {
		t.Error("score 20 should satisfy minimum 10")
	}

	ok, err = p.MatchBins(Meta{}, map[string]any{"score": 1})
	if err != nil {
		t.Fatalf("MatchBins: %v", err)
	}
	if ok {
		t.Error("score 1 should not satisfy minimum 10")
	}
}
