package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/internal/entity"
)

type analyzer struct {
	completer Completer
	logger    *slog.Logger
}

// NewAnalyzer wraps a Completer with prompt construction, schema validation
// and response normalization.
func NewAnalyzer(c Completer, logger *slog.Logger) Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &analyzer{completer: c, logger: logger}
}

func (a *analyzer) Analyze(ctx context.Context, req Request) (entity.AnalysisResult, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	a.logger.Info("analyze.start",
		"req_id", rid,
		"prescription_id", req.PrescriptionID,
		"medications", len(req.Structured.Medications),
		"text_len", len(req.RawText),
		"ocr_confidence", req.Confidence,
	)

	schema := BuildAnalysisJSONSchema()
	msgs := []Message{
		{Role: RoleSystem, Content: BuildSystemPrompt()},
		{Role: RoleUser, Content: BuildUserPrompt(req) + "\n\nReturn ONLY JSON that matches the provided schema."},
		{Role: RoleSystem, Content: "JSON Schema:\n" + mustJSON(schema)},
	}

	content, err := a.completer.Complete(ctx, msgs)
	if err != nil {
		a.logger.Error("analyze.llm_error",
			"req_id", rid, "prescription_id", req.PrescriptionID,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return entity.AnalysisResult{}, nil, fmt.Errorf("llm complete: %w", err)
	}

	raw := []byte(StripFences(content))
	if err := ValidateJSONAgainstSchema(schema, raw); err != nil {
		a.logger.Error("analyze.schema_validation_failed",
			"req_id", rid, "prescription_id", req.PrescriptionID,
			"error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds())
		return entity.AnalysisResult{}, raw, fmt.Errorf("schema validation failed: %w", err)
	}

	res, err := NormalizeAnalysis(raw)
	if err != nil {
		a.logger.Error("analyze.normalize_failed",
			"req_id", rid, "prescription_id", req.PrescriptionID,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return entity.AnalysisResult{}, raw, err
	}

	a.logger.Info("analyze.ok",
		"req_id", rid,
		"prescription_id", req.PrescriptionID,
		"medications", len(res.Medications),
		"warnings", len(res.Warnings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, raw, nil
}
