package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ordoscan/ordoscan/internal/entity"
)

// Defaults backfilled into the persisted analysis so its shape is always
// fully populated; downstream consumers never branch on absence.
const (
	UnknownName  = "Unknown"
	NotSpecified = "Not specified"
)

type wireMedication struct {
	Name              string   `json:"name"`
	Dosage            string   `json:"dosage"`
	Frequency         string   `json:"frequency"`
	Duration          string   `json:"duration"`
	Interactions      []string `json:"interactions"`
	SideEffects       []string `json:"side_effects"`
	Contraindications []string `json:"contraindications"`
	Alternatives      []string `json:"alternatives"`
}

type wireAnalysis struct {
	Medications      []wireMedication `json:"medications"`
	Notes            string           `json:"notes"`
	Warnings         []string         `json:"warnings"`
	RecommendedTests []string         `json:"recommended_tests"`
}

// NormalizeAnalysis decodes the model response and backfills every missing
// field with an explicit default. The external response's shape is never
// trusted; only a decode failure is an error (retryable upstream).
func NormalizeAnalysis(raw []byte) (entity.AnalysisResult, error) {
	var w wireAnalysis
	if err := json.Unmarshal(raw, &w); err != nil {
		return entity.AnalysisResult{}, fmt.Errorf("decode analysis: %w", err)
	}

	out := entity.AnalysisResult{
		Medications:      make([]entity.MedicationAnalysis, 0, len(w.Medications)),
		Notes:            orDefault(w.Notes, NotSpecified),
		Warnings:         orEmpty(w.Warnings),
		RecommendedTests: orEmpty(w.RecommendedTests),
	}
	for _, m := range w.Medications {
		out.Medications = append(out.Medications, entity.MedicationAnalysis{
			Name:              orDefault(m.Name, UnknownName),
			Dosage:            orDefault(m.Dosage, NotSpecified),
			Frequency:         orDefault(m.Frequency, NotSpecified),
			Duration:          orDefault(m.Duration, NotSpecified),
			Interactions:      orEmpty(m.Interactions),
			SideEffects:       orEmpty(m.SideEffects),
			Contraindications: orEmpty(m.Contraindications),
			Alternatives:      orEmpty(m.Alternatives),
		})
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// StripFences removes a markdown code fence some models wrap around their
// JSON despite instructions.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
