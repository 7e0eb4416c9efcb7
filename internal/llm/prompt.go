package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildSystemPrompt composes the reviewer instructions: strict JSON, explicit
// defaults instead of null, and the clinical fields we expect per medication.
func BuildSystemPrompt() string {
	parts := []string{
		"You are a clinical pharmacology assistant reviewing a transcribed prescription.",
		"Return ONLY JSON that matches the provided JSON Schema.",
		"For each medication report: normalized name, dosage, frequency, duration,",
		"potential drug-drug interactions with the other medications listed,",
		"common side effects, contraindications, and safer alternatives when relevant.",
		"Add prescription-level notes, warnings, and recommended lab tests.",
		"Use 'Unknown' for a medication name you cannot normalize and 'Not specified' for missing dosage, frequency or duration.",
		"Use empty arrays, never null, when a list has no entries.",
		"The source text comes from OCR and may contain recognition errors; prefer the most plausible medication reading.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt embeds the structured extraction and the raw recognized
// text (truncated) so the model sees both views.
func BuildUserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Patient: ")
	b.WriteString(req.Structured.PatientName)
	b.WriteString("\nPrescriber: ")
	b.WriteString(req.Structured.DoctorName)
	b.WriteString("\nDate: ")
	b.WriteString(req.Structured.Date)
	b.WriteString("\n\nMedications detected:\n")
	if len(req.Structured.Medications) == 0 {
		b.WriteString("(none detected by the parser; read them from the raw text)\n")
	}
	for _, m := range req.Structured.Medications {
		fmt.Fprintf(&b, "- %s | dosage: %s | frequency: %s | duration: %s\n",
			m.Name, m.Dosage, m.Frequency, m.Duration)
	}

	fmt.Fprintf(&b, "\nOCR confidence: %.0f/100\n", req.Confidence)
	b.WriteString("\nRaw recognized text (first ~3k chars):\n")
	raw := strings.TrimSpace(req.RawText)
	if len(raw) > 3000 {
		b.WriteString(raw[:3000])
		b.WriteString("\n…(truncated)")
	} else {
		b.WriteString(raw)
	}
	return b.String()
}

// BuildAnalysisJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. It is intentionally lenient on per-medication fields: missing
// ones are backfilled by NormalizeAnalysis, not rejected.
func BuildAnalysisJSONSchema() map[string]any {
	medication := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":              map[string]any{"type": "string"},
			"dosage":            map[string]any{"type": "string"},
			"frequency":         map[string]any{"type": "string"},
			"duration":          map[string]any{"type": "string"},
			"interactions":      stringArrayProp(),
			"side_effects":      stringArrayProp(),
			"contraindications": stringArrayProp(),
			"alternatives":      stringArrayProp(),
		},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"medications":       map[string]any{"type": "array", "items": medication},
			"notes":             map[string]any{"type": "string"},
			"warnings":          stringArrayProp(),
			"recommended_tests": stringArrayProp(),
		},
		"required": []string{"medications"},
	}
}

func stringArrayProp() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
