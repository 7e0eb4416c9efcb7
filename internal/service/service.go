package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/entity"
	"github.com/ordoscan/ordoscan/internal/pipeline"
	"github.com/ordoscan/ordoscan/internal/queue"
	"github.com/ordoscan/ordoscan/internal/repository"
	"github.com/ordoscan/ordoscan/internal/storage"
)

// PrescriptionService is the request-facing boundary: it accepts uploads,
// exposes records, and carries the two operator actions (notes, reset).
// Errors returned to callers are gRPC status errors.
type PrescriptionService struct {
	repo     repository.PrescriptionRepository
	store    storage.ImageStore
	enqueuer queue.Enqueuer
	logger   *slog.Logger
}

func NewPrescriptionService(repo repository.PrescriptionRepository, store storage.ImageStore, enq queue.Enqueuer, logger *slog.Logger) *PrescriptionService {
	return &PrescriptionService{
		repo:     repo,
		store:    store,
		enqueuer: enq,
		logger:   logger,
	}
}

// CreatePrescription stores the uploaded image, creates the pending record and
// queues extraction. The record is returned immediately; processing is async.
func (s *PrescriptionService) CreatePrescription(ctx context.Context, ownerID uuid.UUID, image []byte, filename, notes string, langHints []string) (*entity.Prescription, error) {
	if ownerID == uuid.Nil {
		return nil, common.InvalidArgumentError("owner id is required")
	}

	ref, err := s.store.Save(ctx, ownerID, filename, image)
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			return nil, common.InvalidArgumentError(err.Error())
		}
		s.logger.Error("create.image_store_failed", "owner_id", ownerID, "error", err)
		return nil, common.InternalError("failed to store prescription image")
	}

	p := &entity.Prescription{OwnerID: ownerID, ImageRef: ref, Notes: notes}
	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("create.record_failed", "owner_id", ownerID, "error", err)
		return nil, common.InternalError("failed to create prescription record")
	}

	if err := s.enqueueExtraction(ctx, p, langHints); err != nil {
		// record stays pending; an operator reset re-queues it
		s.logger.Error("create.enqueue_failed", "prescription_id", p.ID, "error", err)
		return nil, common.InternalError("failed to queue prescription for processing")
	}

	s.logger.Info("create.accepted", "prescription_id", p.ID, "owner_id", ownerID, "image_ref", ref)
	return p, nil
}

func (s *PrescriptionService) GetPrescription(ctx context.Context, id uuid.UUID) (*entity.Prescription, error) {
	if id == uuid.Nil {
		return nil, common.InvalidArgumentError("prescription id is required")
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NotFoundError("prescription not found")
		}
		s.logger.Error("get.failed", "prescription_id", id, "error", err)
		return nil, common.InternalError("failed to load prescription")
	}
	return p, nil
}

// UpdateNotes edits the free-text notes. Rejected while a stage is in flight
// or after successful analysis.
func (s *PrescriptionService) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	if id == uuid.Nil {
		return common.InvalidArgumentError("prescription id is required")
	}
	err := s.repo.UpdateNotes(ctx, id, notes)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound):
		return common.NotFoundError("prescription not found")
	case errors.Is(err, common.ErrInvalidTransition):
		return common.FailedPreconditionError(err.Error())
	default:
		s.logger.Error("notes.update_failed", "prescription_id", id, "error", err)
		return common.InternalError("failed to update notes")
	}
}

// ResetPrescription is the operator edge out of a failed status: the record
// goes back to pending and extraction is re-queued from the stored image.
func (s *PrescriptionService) ResetPrescription(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return common.InvalidArgumentError("prescription id is required")
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.NotFoundError("prescription not found")
		}
		return common.InternalError("failed to load prescription")
	}
	if !constants.CanTransition(p.Status, constants.StatusPending) {
		return common.FailedPreconditionErrorf("cannot reset prescription in status %s", p.Status)
	}

	if err := s.repo.ResetToPending(ctx, id); err != nil {
		if errors.Is(err, common.ErrInvalidTransition) {
			return common.FailedPreconditionError(err.Error())
		}
		s.logger.Error("reset.failed", "prescription_id", id, "error", err)
		return common.InternalError("failed to reset prescription")
	}

	if err := s.enqueueExtraction(ctx, p, nil); err != nil {
		s.logger.Error("reset.enqueue_failed", "prescription_id", id, "error", err)
		return common.InternalError("failed to queue prescription for processing")
	}
	s.logger.Info("reset.accepted", "prescription_id", id, "previous_status", p.Status)
	return nil
}

func (s *PrescriptionService) enqueueExtraction(ctx context.Context, p *entity.Prescription, langHints []string) error {
	payload := pipeline.ExtractionPayload{
		PrescriptionID: p.ID,
		ImagePath:      s.store.Path(p.ImageRef),
		LanguageHints:  langHints,
	}
	body, err := payload.Encode()
	if err != nil {
		return err
	}
	_, err = s.enqueuer.Enqueue(ctx, constants.StageExtraction, body, queue.Options{})
	return err
}
