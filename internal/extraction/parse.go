package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// decodeResponse turns raw model text into a field -> raw entry mapping.
// A strict decode is tried first; failing that, markdown fences are
// stripped and the first balanced object in the text is decoded.
func decodeResponse(text string) (map[string]json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &m); err == nil && m != nil {
		return m, nil
	}

	obj, ok := firstObject(stripFences(text))
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return m, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// firstObject returns the first balanced {...} substring, skipping braces
// that appear inside string literals
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// entry is one field of a decoded response
type entry struct {
	value      *string
	confidence int
	clarity    Clarity
	structured bool
}

// decodeEntry reads either {"value","confidence","clarity"} or a bare value
func decodeEntry(raw json.RawMessage) entry {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			if v, ok := lookup(obj, "value"); ok {
				e := entry{value: valueText(v), structured: true}
				if c, ok := lookup(obj, "confidence"); ok {
					e.confidence = confidenceNumber(c)
				}
				if c, ok := lookup(obj, "clarity"); ok {
					var label string
					if json.Unmarshal(c, &label) == nil {
						e.clarity = ParseClarity(label)
					}
				}
				return e
			}
		}
	}
	return entry{value: valueText(raw)}
}

// lookup finds a key exactly, then case-insensitively
func lookup(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// valueText renders a JSON value as text; null and blank strings become nil
func valueText(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "null") {
			return nil
		}
		return &s
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		s = string(raw)
	} else {
		s = compact.String()
	}
	return &s
}

// confidenceNumber accepts 85, 85.4, "85" or "85%" and clamps to 0..100
func confidenceNumber(raw json.RawMessage) int {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	}
	if math.IsNaN(f) {
		return 0
	}
	return clamp(int(math.Round(f)), 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
