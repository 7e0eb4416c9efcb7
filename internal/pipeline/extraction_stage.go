package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/ocr"
	"github.com/ordoscan/ordoscan/internal/parse"
	"github.com/ordoscan/ordoscan/internal/queue"
	"github.com/ordoscan/ordoscan/internal/repository"
)

// Recognizer is the OCR boundary the extraction stage depends on.
type Recognizer interface {
	Recognize(ctx context.Context, path string, langHints []string) (ocr.Result, error)
}

// ExtractionStage turns a pending prescription image into extracted text plus
// structured fields, then hands the record to the analysis queue.
type ExtractionStage struct {
	repo          repository.PrescriptionRepository
	engine        Recognizer
	enqueuer      queue.Enqueuer
	minConfidence float32
	callTimeout   time.Duration
	logger        *slog.Logger
}

func NewExtractionStage(repo repository.PrescriptionRepository, engine Recognizer, enq queue.Enqueuer, minConfidence float32, callTimeout time.Duration, logger *slog.Logger) *ExtractionStage {
	if callTimeout <= 0 {
		callTimeout = 90 * time.Second
	}
	return &ExtractionStage{
		repo:          repo,
		engine:        engine,
		enqueuer:      enq,
		minConfidence: minConfidence,
		callTimeout:   callTimeout,
		logger:        logger,
	}
}

func (s *ExtractionStage) Handle(ctx context.Context, job queue.Job) error {
	var p ExtractionPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return queue.Permanent(err)
	}
	log := s.logger.With("prescription_id", p.PrescriptionID, "job_id", job.ID, "attempt", job.Attempt)

	rec, err := s.repo.GetByID(ctx, p.PrescriptionID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	switch rec.Status {
	case constants.StatusPending:
		// normal path
	case constants.StatusExtractionDone:
		// extraction committed but a later step of a previous attempt did not;
		// resume by re-handing the record to analysis
		log.Info("extract.resume", "status", rec.Status)
		return s.handOff(ctx, AnalysisPayload{
			PrescriptionID: rec.ID,
			ExtractedText:  rec.ExtractedText,
			Confidence:     rec.ExtractionConfidence,
			Structured:     derefStructured(rec.Structured),
		}, rec.Status)
	default:
		log.Warn("extract.skip_status", "status", rec.Status)
		return nil
	}

	if _, err := os.Stat(p.ImagePath); err != nil {
		log.Error("extract.image_missing", "image_path", p.ImagePath, "error", err)
		return queue.Permanent(fmt.Errorf("prescription image unavailable: %w", err))
	}

	rctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	res, err := s.engine.Recognize(rctx, p.ImagePath, p.LanguageHints)
	cancel()
	if err != nil {
		log.Error("extract.ocr_failed", "error", err)
		return fmt.Errorf("recognize image: %w", err)
	}
	if res.Confidence < s.minConfidence {
		log.Warn("extract.low_confidence",
			"confidence", res.Confidence, "min_confidence", s.minConfidence,
			"warnings", res.Warnings)
	}

	structured := parse.Extract(res.Text)

	if err := s.repo.SaveExtraction(ctx, rec.ID, res.Text, res.Confidence, &structured); err != nil {
		if errors.Is(err, common.ErrInvalidTransition) {
			// another worker finished first; nothing left to do
			log.Warn("extract.already_committed", "error", err)
			return nil
		}
		return err
	}
	log.Info("extract.done",
		"confidence", res.Confidence, "language", res.Language,
		"medications", len(structured.Medications), "elapsed_ms", res.Duration.Milliseconds())

	return s.handOff(ctx, AnalysisPayload{
		PrescriptionID: rec.ID,
		ExtractedText:  res.Text,
		Confidence:     res.Confidence,
		Structured:     structured,
	}, constants.StatusExtractionDone)
}

// handOff enqueues the analysis job and the progress notification. Errors here
// retry the whole job; Handle resumes past the committed extraction.
func (s *ExtractionStage) handOff(ctx context.Context, next AnalysisPayload, status constants.PrescriptionStatus) error {
	body, err := encodePayload(next)
	if err != nil {
		return queue.Permanent(err)
	}
	if _, err := s.enqueuer.Enqueue(ctx, constants.StageAnalysis, body, queue.Options{}); err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	enqueueNotification(ctx, s.enqueuer, s.logger, NotificationPayload{
		PrescriptionID: next.PrescriptionID,
		Status:         status,
	})
	return nil
}
