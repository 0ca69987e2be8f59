package extraction

import (
	"encoding/json"
	"math"
)

// normalized is a response reduced to the requested fields
type normalized struct {
	values     map[string]*string
	confidence map[string]int
	clarity    map[string]Clarity
	overall    int
}

// normalize applies the confidence policy to every field of spec.
// Missing fields are null with confidence 0, degraded legibility caps the
// reported confidence, and null values always carry confidence 0.
func normalize(spec FieldSpec, parsed map[string]json.RawMessage) normalized {
	n := normalized{
		values:     make(map[string]*string, spec.Len()),
		confidence: make(map[string]int, spec.Len()),
		clarity:    make(map[string]Clarity, spec.Len()),
	}

	for _, f := range spec.fields {
		raw, ok := lookup(parsed, f.Name)
		if !ok {
			n.values[f.Name] = nil
			n.confidence[f.Name] = 0
			continue
		}

		e := decodeEntry(raw)
		n.values[f.Name] = e.value
		if e.clarity != ClarityUnknown {
			n.clarity[f.Name] = e.clarity
		}

		switch {
		case e.value == nil:
			n.confidence[f.Name] = 0
		case e.structured:
			n.confidence[f.Name] = min(e.confidence, e.clarity.ceiling())
		default:
			// bare values carry no confidence estimate
			n.confidence[f.Name] = 0
		}
	}

	n.overall = OverallConfidence(n.values, n.confidence)
	return n
}

// OverallConfidence is the rounded mean confidence of fields that have a
// value, or 0 when none do
func OverallConfidence(values map[string]*string, confidence map[string]int) int {
	sum, count := 0, 0
	for name, v := range values {
		if v == nil {
			continue
		}
		sum += confidence[name]
		count++
	}
	if count == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(count)))
}
