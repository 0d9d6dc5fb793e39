// Package predicate is the minimal, real substitute for spec.md's
// "predicate expression engine" — a precompiled boolean tree evaluated
// against record metadata and, when that is inconclusive, against
// bins. Rather than inventing a bespoke expression DSL, a predicate is
// a JSON Schema document and evaluation is schema validation against a
// metadata-only or metadata+bins view of the record, grounded on the
// teacher repo's own use of gojsonschema to validate job results in
// internal/store/result_schema.go.
package predicate

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// TriState is the three-valued outcome of a metadata-only match.
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

// Predicate is a compiled predicate expression.
type Predicate struct {
	schema *gojsonschema.Schema
	raw    string
}

// Compile parses raw (a JSON Schema document) into a Predicate. A
// compile failure maps to spec.md's PARAMETER rejection at the call site.
func Compile(raw []byte) (*Predicate, error) {
	loader := gojsonschema.NewBytesLoader(raw)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("compile predicate: %w", err)
	}
	return &Predicate{schema: schema, raw: string(raw)}, nil
}

// Meta is the metadata-only view of a record available before its bins
// are loaded from storage.
type Meta struct {
	Set string
	Gen uint32
	TTL int64
}

func (m Meta) doc() map[string]any {
	return map[string]any{
		"set": m.Set,
		"gen": m.Gen,
		"ttl": m.TTL,
	}
}

// MatchMeta evaluates the predicate against metadata only. A clean
// pass on a schema that never mentions "bins" is True (the job drops
// the predicate for this record per spec.md §4.2 step (e)); a clean
// pass on a schema that does mention "bins" is Unknown, because
// constraints declared under that property are only evaluated once it
// is present. A failure whose only violations concern the "bins"
// property is Unknown (bin data is needed to decide); any other
// failure is a definitive False.
func (p *Predicate) MatchMeta(m Meta) (TriState, error) {
	res, err := p.schema.Validate(gojsonschema.NewGoLoader(m.doc()))
	if err != nil {
		return False, fmt.Errorf("evaluate predicate metadata: %w", err)
	}
	if res.Valid() {
		if strings.Contains(p.raw, `"bins"`) {
			return Unknown, nil
		}
		return True, nil
	}
	for _, e := range res.Errors() {
		if !isBinsRelated(e) {
			return False, nil
		}
	}
	return Unknown, nil
}

// MatchBins evaluates the predicate against metadata plus the record's
// loaded bins, returning a definitive true/false.
func (p *Predicate) MatchBins(m Meta, bins map[string]any) (bool, error) {
	doc := m.doc()
	doc["bins"] = bins
	res, err := p.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return false, fmt.Errorf("evaluate predicate bins: %w", err)
	}
	return res.Valid(), nil
}

func isBinsRelated(e gojsonschema.ResultError) bool {
	if strings.HasPrefix(e.Field(), "bins") {
		return true
	}
	if prop, ok := e.Details()["property"]; ok {
		if s, ok := prop.(string); ok && s == "bins" {
			return true
		}
	}
	return false
}
