package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/entity"
	"github.com/ordoscan/ordoscan/internal/notify"
	"github.com/ordoscan/ordoscan/internal/queue"
	"github.com/ordoscan/ordoscan/internal/repository"
)

// Queue is the durable queue surface the coordinator drives: producing plus
// per-stage consumer registration.
type Queue interface {
	queue.Enqueuer
	Consume(stage constants.Stage, c queue.Consumer)
}

// Coordinator wires the stage handlers, their worker pools and the exhaustion
// bookkeeping onto the queue. Start registers everything; the queue owns the
// worker lifecycles from then on.
type Coordinator struct {
	cfg        common.QueueConfig
	q          Queue
	repo       repository.PrescriptionRepository
	extraction *ExtractionStage
	analysis   *AnalysisStage
	notifier   notify.Notifier
	logger     *slog.Logger
}

func NewCoordinator(cfg common.QueueConfig, q Queue, repo repository.PrescriptionRepository, extraction *ExtractionStage, analysis *AnalysisStage, notifier notify.Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		q:          q,
		repo:       repo,
		extraction: extraction,
		analysis:   analysis,
		notifier:   notifier,
		logger:     logger,
	}
}

func (c *Coordinator) Start() {
	c.q.Consume(constants.StageExtraction, queue.Consumer{
		Workers:     c.cfg.ExtractionWorkers,
		Timeout:     3 * time.Minute,
		BaseDelay:   c.cfg.ExtractionBackoff,
		Handler:     c.extraction.Handle,
		OnExhausted: c.failStage(constants.StageExtraction),
	})
	c.q.Consume(constants.StageAnalysis, queue.Consumer{
		Workers:     c.cfg.AnalysisWorkers,
		Timeout:     2 * time.Minute,
		BaseDelay:   c.cfg.AnalysisBackoff,
		Handler:     c.analysis.Handle,
		OnExhausted: c.failStage(constants.StageAnalysis),
	})
	c.q.Consume(constants.StageNotification, queue.Consumer{
		Workers:   c.cfg.NotificationWorkers,
		Timeout:   30 * time.Second,
		BaseDelay: c.cfg.NotificationBackoff,
		Handler:   c.handleNotification,
		OnExhausted: func(ctx context.Context, job queue.Job, cause error) {
			// status updates are best-effort; an undeliverable one must not
			// touch the prescription record
			c.logger.Error("notify.undeliverable", "job_id", job.ID, "error", cause)
		},
	})
	c.logger.Info("pipeline.started",
		"extraction_workers", c.cfg.ExtractionWorkers,
		"analysis_workers", c.cfg.AnalysisWorkers,
		"notification_workers", c.cfg.NotificationWorkers)
}

// failStage records the stage's failure status once its job's retries are
// exhausted, then queues the terminal notification.
func (c *Coordinator) failStage(stage constants.Stage) queue.ExhaustedFunc {
	return func(ctx context.Context, job queue.Job, cause error) {
		id, ok := prescriptionIDOf(stage, job.Payload)
		if !ok {
			c.logger.Error("pipeline.exhausted_undecodable",
				"stage", stage, "job_id", job.ID, "error", cause)
			return
		}
		log := c.logger.With("prescription_id", id, "stage", stage, "job_id", job.ID)

		// An extraction job can exhaust after its extraction committed, when
		// only the hand-off to analysis kept failing. The record then sits at
		// extraction_done, from which only the analysis edges are valid; fail
		// it as analysis_failed so the operator reset stays reachable.
		markStage := stage
		if stage == constants.StageExtraction {
			rec, err := c.repo.GetByID(ctx, id)
			if err != nil {
				log.Error("pipeline.exhausted_load_error", "error", err)
				return
			}
			if rec.Status == constants.StatusExtractionDone {
				markStage = constants.StageAnalysis
			}
		}
		status := constants.FailureStatusFor(markStage)

		if err := c.repo.MarkFailed(ctx, id, markStage, cause.Error()); err != nil {
			log.Error("pipeline.mark_failed_error", "error", err)
			return
		}
		log.Warn("pipeline.stage_failed", "status", status, "error", cause)

		enqueueNotification(ctx, c.q, c.logger, NotificationPayload{
			PrescriptionID: id,
			Status:         status,
			Reason:         cause.Error(),
		})
	}
}

func (c *Coordinator) handleNotification(ctx context.Context, job queue.Job) error {
	var p NotificationPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return queue.Permanent(err)
	}
	return c.notifier.Notify(ctx, notify.Update{
		PrescriptionID: p.PrescriptionID,
		Status:         p.Status,
		Reason:         p.Reason,
	})
}

// enqueueNotification queues a status update; failures are logged, never
// propagated, so delivery trouble cannot re-run a completed stage.
func enqueueNotification(ctx context.Context, enq queue.Enqueuer, logger *slog.Logger, p NotificationPayload) {
	body, err := encodePayload(p)
	if err != nil {
		logger.Error("notify.encode_failed", "prescription_id", p.PrescriptionID, "error", err)
		return
	}
	if _, err := enq.Enqueue(ctx, constants.StageNotification, body, queue.Options{}); err != nil {
		logger.Error("notify.enqueue_failed", "prescription_id", p.PrescriptionID, "error", err)
	}
}

func prescriptionIDOf(stage constants.Stage, payload []byte) (id uuid.UUID, ok bool) {
	switch stage {
	case constants.StageAnalysis:
		var p AnalysisPayload
		if err := decodePayload(payload, &p); err != nil {
			return uuid.Nil, false
		}
		return p.PrescriptionID, true
	default:
		var p ExtractionPayload
		if err := decodePayload(payload, &p); err != nil {
			return uuid.Nil, false
		}
		return p.PrescriptionID, true
	}
}

func derefStructured(s *entity.StructuredExtraction) entity.StructuredExtraction {
	if s == nil {
		return entity.StructuredExtraction{Medications: []entity.MedicationLine{}}
	}
	return *s
}
