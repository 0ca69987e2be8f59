package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyResponse is returned when the model answers with nothing usable
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrInvalidResponse is returned when no JSON object can be decoded from the answer
	ErrInvalidResponse = errors.New("invalid response from model")
)

// Model sends one page image plus an instruction to a vision model and
// returns its raw text answer
type Model interface {
	Extract(ctx context.Context, image []byte, prompt string) (string, error)
}

// Limiter gates calls to the model
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Field is one named value to extract
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FieldSpec is an ordered, immutable set of fields with unique names
type FieldSpec struct {
	fields []Field
}

// NewFieldSpec validates and snapshots a list of fields
func NewFieldSpec(fields []Field) (FieldSpec, error) {
	seen := make(map[string]struct{}, len(fields))
	snapshot := make([]Field, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return FieldSpec{}, fmt.Errorf("field name is required")
		}
		if _, ok := seen[name]; ok {
			return FieldSpec{}, fmt.Errorf("duplicate field name: %s", name)
		}
		seen[name] = struct{}{}
		snapshot = append(snapshot, Field{Name: name, Description: strings.TrimSpace(f.Description)})
	}
	return FieldSpec{fields: snapshot}, nil
}

// Fields returns a copy of the fields in order
func (s FieldSpec) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Names returns the field names in order
func (s FieldSpec) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Len returns the number of fields
func (s FieldSpec) Len() int {
	return len(s.fields)
}

// Unit is a single page or standalone image awaiting extraction
type Unit struct {
	JobID      string
	SourceFile string
	Page       int // 1-based
	Image      []byte
}

// Clarity is the model's legibility label for a field
type Clarity string

const (
	ClarityUnknown          Clarity = ""
	ClarityClear            Clarity = "clear"
	ClarityModeratelyBlurry Clarity = "moderately_blurry"
	ClaritySeverelyDegraded Clarity = "severely_degraded"
)

// ceiling is the highest confidence a field with this label may report
func (c Clarity) ceiling() int {
	switch c {
	case ClaritySeverelyDegraded:
		return 20
	case ClarityModeratelyBlurry:
		return 40
	default:
		return 100
	}
}

// ParseClarity maps a free-form legibility label onto a known Clarity
func ParseClarity(label string) Clarity {
	l := strings.ToLower(strings.TrimSpace(label))
	switch Clarity(l) {
	case ClarityClear, ClarityModeratelyBlurry, ClaritySeverelyDegraded:
		return Clarity(l)
	}

	// Negated or hedged wording never counts as clear
	switch {
	case l == "":
		return ClarityUnknown
	case strings.Contains(l, "sever"), strings.Contains(l, "illegible"),
		strings.Contains(l, "unreadable"), strings.Contains(l, "degraded"),
		strings.Contains(l, "not legible"), strings.Contains(l, "not readable"):
		return ClaritySeverelyDegraded
	case strings.Contains(l, "blur"), strings.Contains(l, "moderate"),
		strings.Contains(l, "faded"), strings.Contains(l, "partial"),
		strings.Contains(l, "unclear"), strings.Contains(l, "not "),
		strings.Contains(l, "barely"), strings.Contains(l, "hard to"),
		strings.Contains(l, "poor"):
		return ClarityModeratelyBlurry
	case strings.Contains(l, "clear"), strings.Contains(l, "legible"):
		return ClarityClear
	default:
		return ClarityUnknown
	}
}

// Result is the normalized extraction of one unit
type Result struct {
	SourceFile        string             `json:"source_file"`
	Page              int                `json:"page"`
	Values            map[string]*string `json:"values"`
	Confidence        map[string]int     `json:"confidence"`
	Clarity           map[string]Clarity `json:"clarity,omitempty"`
	OverallConfidence int                `json:"overall_confidence"`
	Image             []byte             `json:"image,omitempty"`
}

// Value returns the extracted value for a field, or "" when absent
func (r *Result) Value(field string) string {
	if v := r.Values[field]; v != nil {
		return *v
	}
	return ""
}
