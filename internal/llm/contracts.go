package llm

import (
	"context"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/internal/entity"
)

// Message is one chat message sent to the language-model service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Completer is the raw language-model boundary. Implementations may return
// malformed or incomplete JSON; callers must validate.
type Completer interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}

// Request carries the extraction output the analysis is built from.
type Request struct {
	PrescriptionID uuid.UUID
	RawText        string
	Confidence     float32 // OCR confidence 0..100, surfaced as context
	Structured     entity.StructuredExtraction
}

// Analyzer is the interface the analysis stage depends on: prompt build,
// model call, response validation and normalization in one step. The raw
// model JSON is returned alongside for audit logging.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (entity.AnalysisResult, []byte, error)
}
