package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
)

// Prescription is the domain record driven through the pipeline.
// ExtractedText, ExtractionConfidence and Structured are written once by the
// extraction stage; Analysis once by the analysis stage.
type Prescription struct {
	ID       uuid.UUID
	OwnerID  uuid.UUID
	ImageRef string

	Status        constants.PrescriptionStatus
	FailureReason string

	ExtractedText        string
	ExtractionConfidence float32 // 0..100, from the OCR engine
	Structured           *StructuredExtraction

	Analysis *AnalysisResult

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MedicationLine is one medication parsed out of the recognized text.
// Fields that could not be matched carry the parse sentinel, never "".
type MedicationLine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// StructuredExtraction is the typed output of the structured data extractor.
type StructuredExtraction struct {
	PatientName string           `json:"patient_name"`
	DoctorName  string           `json:"doctor_name"`
	Date        string           `json:"date"`
	Medications []MedicationLine `json:"medications"`
	Notes       string           `json:"notes"`
}

// MedicationAnalysis is the normalized per-medication review from the
// language-model service. List fields are always non-nil.
type MedicationAnalysis struct {
	Name              string   `json:"name"`
	Dosage            string   `json:"dosage"`
	Frequency         string   `json:"frequency"`
	Duration          string   `json:"duration"`
	Interactions      []string `json:"interactions"`
	SideEffects       []string `json:"side_effects"`
	Contraindications []string `json:"contraindications"`
	Alternatives      []string `json:"alternatives"`
}

// AnalysisResult is the prescription-level analysis persisted on success.
type AnalysisResult struct {
	Medications      []MedicationAnalysis `json:"medications"`
	Notes            string               `json:"notes"`
	Warnings         []string             `json:"warnings"`
	RecommendedTests []string             `json:"recommended_tests"`
}
