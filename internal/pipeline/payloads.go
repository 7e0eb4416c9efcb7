package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/entity"
)

// ExtractionPayload is the input to the extraction stage: which record to
// process and where its image lives.
type ExtractionPayload struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	ImagePath      string    `json:"image_path"`
	LanguageHints  []string  `json:"language_hints,omitempty"`
}

func (p ExtractionPayload) Validate() error {
	if p.PrescriptionID == uuid.Nil {
		return errors.New("extraction payload: missing prescription id")
	}
	if p.ImagePath == "" {
		return errors.New("extraction payload: missing image path")
	}
	return nil
}

// Encode serializes the payload for enqueueing; used by the upload boundary.
func (p ExtractionPayload) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return encodePayload(p)
}

// Decode is the inverse of Encode.
func (p *ExtractionPayload) Decode(raw []byte) error {
	return decodePayload(raw, p)
}

// AnalysisPayload carries the extraction output forward so the analysis stage
// does not depend on a read-back of what extraction just wrote.
type AnalysisPayload struct {
	PrescriptionID uuid.UUID                   `json:"prescription_id"`
	ExtractedText  string                      `json:"extracted_text"`
	Confidence     float32                     `json:"confidence"`
	Structured     entity.StructuredExtraction `json:"structured"`
}

func (p AnalysisPayload) Validate() error {
	if p.PrescriptionID == uuid.Nil {
		return errors.New("analysis payload: missing prescription id")
	}
	if p.ExtractedText == "" {
		return errors.New("analysis payload: missing extracted text")
	}
	return nil
}

// NotificationPayload is one status update queued for delivery.
type NotificationPayload struct {
	PrescriptionID uuid.UUID                    `json:"prescription_id"`
	Status         constants.PrescriptionStatus `json:"status"`
	Reason         string                       `json:"reason,omitempty"`
}

func (p NotificationPayload) Validate() error {
	if p.PrescriptionID == uuid.Nil {
		return errors.New("notification payload: missing prescription id")
	}
	if p.Status == "" {
		return errors.New("notification payload: missing status")
	}
	return nil
}

func encodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(raw []byte, v interface{ Validate() error }) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return v.Validate()
}
