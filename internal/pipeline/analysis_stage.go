package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/llm"
	"github.com/ordoscan/ordoscan/internal/queue"
	"github.com/ordoscan/ordoscan/internal/repository"
)

// AnalysisStage sends the extraction output through the medication analyzer
// and persists the validated result.
type AnalysisStage struct {
	repo     repository.PrescriptionRepository
	analyzer llm.Analyzer
	enqueuer queue.Enqueuer
	logger   *slog.Logger
}

func NewAnalysisStage(repo repository.PrescriptionRepository, analyzer llm.Analyzer, enq queue.Enqueuer, logger *slog.Logger) *AnalysisStage {
	return &AnalysisStage{
		repo:     repo,
		analyzer: analyzer,
		enqueuer: enq,
		logger:   logger,
	}
}

func (s *AnalysisStage) Handle(ctx context.Context, job queue.Job) error {
	var p AnalysisPayload
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
	case constants.StatusExtractionDone:
		// normal path
	case constants.StatusAnalysisDone:
		// analysis committed but the notification enqueue did not; resend it
		log.Info("analyze.resume", "status", rec.Status)
		enqueueNotification(ctx, s.enqueuer, s.logger, NotificationPayload{
			PrescriptionID: rec.ID,
			Status:         rec.Status,
		})
		return nil
	default:
		log.Warn("analyze.skip_status", "status", rec.Status)
		return nil
	}

	result, raw, err := s.analyzer.Analyze(ctx, llm.Request{
		PrescriptionID: p.PrescriptionID,
		RawText:        p.ExtractedText,
		Confidence:     p.Confidence,
		Structured:     p.Structured,
	})
	if err != nil {
		log.Error("analyze.failed", "error", err)
		return fmt.Errorf("analyze prescription: %w", err)
	}

	if err := s.repo.SaveAnalysis(ctx, rec.ID, &result, raw); err != nil {
		if errors.Is(err, common.ErrInvalidTransition) {
			log.Warn("analyze.already_committed", "error", err)
			return nil
		}
		return err
	}
	log.Info("analyze.done",
		"medications", len(result.Medications), "warnings", len(result.Warnings))

	enqueueNotification(ctx, s.enqueuer, s.logger, NotificationPayload{
		PrescriptionID: rec.ID,
		Status:         constants.StatusAnalysisDone,
	})
	return nil
}
