package extraction

import (
	"fmt"
	"strings"
)

const promptHeader = `You are an expert invoice data extractor. Carefully read all text in the invoice image and extract the fields listed below.

Fields:
`

const promptRules = `
For EVERY field return an object with three keys:
  "value":      the extracted text, or null if the field is missing or unreadable
  "confidence": an integer from 0 to 100 estimating how likely the value is correct
  "clarity":    one of "clear", "moderately_blurry", "severely_degraded" describing how legible the source text is

Rules:
- Return ONLY a valid JSON object keyed by field name, nothing else
- Use YYYY-MM-DD format for dates
- Extract numbers without currency symbols or thousands separators
- Confidence must reflect legibility: never report high confidence for text you can barely read
- If a value is null its confidence must be 0
- Do not use markdown code blocks

Example:
{
  "%s": {"value": "...", "confidence": 90, "clarity": "clear"}
}`

// RenderPrompt builds the model instruction for a field set
func RenderPrompt(spec FieldSpec) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	for _, f := range spec.fields {
		if f.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", f.Name)
		}
	}

	example := "Invoice_No"
	if len(spec.fields) > 0 {
		example = spec.fields[0].Name
	}
	fmt.Fprintf(&b, promptRules, example)
	return b.String()
}
