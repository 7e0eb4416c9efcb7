package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/entity"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const prescriptionColumns = `id, owner_id, image_ref, status, failure_reason,
	extracted_text, extraction_confidence, structured, analysis, notes,
	created_at, updated_at`

// PrescriptionRepository persists prescriptions and enforces the status state
// machine at the row level: every status write names the statuses it is valid
// from, so a stale or duplicate worker write fails loudly instead of clobbering.
type PrescriptionRepository interface {
	Create(ctx context.Context, p *entity.Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Prescription, error)

	// SaveExtraction stores the OCR output and moves pending -> extraction_done
	// in one statement.
	SaveExtraction(ctx context.Context, id uuid.UUID, text string, confidence float32, structured *entity.StructuredExtraction) error

	// SaveAnalysis stores the analysis and moves extraction_done -> analysis_done.
	// rawJSON is the validated model output, kept for auditing.
	SaveAnalysis(ctx context.Context, id uuid.UUID, analysis *entity.AnalysisResult, rawJSON []byte) error

	// MarkFailed records the failure status for the stage whose retries exhausted.
	MarkFailed(ctx context.Context, id uuid.UUID, stage constants.Stage, reason string) error

	// ResetToPending is the operator edge: failed -> pending, clearing the
	// failure reason.
	ResetToPending(ctx context.Context, id uuid.UUID) error

	// UpdateNotes edits the free-text notes; rejected while a stage is running
	// or the record is fully analyzed.
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error

	// ListAnalyzed returns analyzed prescriptions, optionally limited to one
	// owner and to records created in [from, to).
	ListAnalyzed(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]*entity.Prescription, error)
}

type prescriptionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPrescriptionRepository(pool *pgxpool.Pool, logger *slog.Logger) PrescriptionRepository {
	return &prescriptionRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *prescriptionRepository) Create(ctx context.Context, p *entity.Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = constants.StatusPending
	}

	q, args, err := psql.Insert("prescriptions").
		Columns("id", "owner_id", "image_ref", "status", "notes").
		Values(p.ID, p.OwnerID, p.ImageRef, string(p.Status), p.Notes).
		Suffix("RETURNING created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if err := r.pool.QueryRow(ctx, q, args...).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		r.logger.Error("failed to create prescription", "owner_id", p.OwnerID, "error", err)
		return common.DatabaseError("create prescription", err)
	}
	return nil
}

func (r *prescriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Prescription, error) {
	q, args, err := psql.Select(prescriptionColumns).
		From("prescriptions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	p, err := scanPrescription(r.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to load prescription", "prescription_id", id, "error", err)
		return nil, common.DatabaseError("load prescription", err)
	}
	return p, nil
}

func (r *prescriptionRepository) SaveExtraction(ctx context.Context, id uuid.UUID, text string, confidence float32, structured *entity.StructuredExtraction) error {
	sb, err := json.Marshal(structured)
	if err != nil {
		return fmt.Errorf("marshal structured extraction: %w", err)
	}

	b := psql.Update("prescriptions").
		Set("extracted_text", text).
		Set("extraction_confidence", confidence).
		Set("structured", sb).
		Set("status", string(constants.StatusExtractionDone)).
		Set("failure_reason", "")
	return r.guardedUpdate(ctx, id, b, constants.StatusExtractionDone,
		constants.StatusPending)
}

func (r *prescriptionRepository) SaveAnalysis(ctx context.Context, id uuid.UUID, analysis *entity.AnalysisResult, rawJSON []byte) error {
	ab, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	b := psql.Update("prescriptions").
		Set("analysis", ab).
		Set("analysis_raw", rawJSON).
		Set("status", string(constants.StatusAnalysisDone)).
		Set("failure_reason", "")
	return r.guardedUpdate(ctx, id, b, constants.StatusAnalysisDone,
		constants.StatusExtractionDone)
}

func (r *prescriptionRepository) MarkFailed(ctx context.Context, id uuid.UUID, stage constants.Stage, reason string) error {
	to := constants.FailureStatusFor(stage)
	var from constants.PrescriptionStatus
	if stage == constants.StageAnalysis {
		from = constants.StatusExtractionDone
	} else {
		from = constants.StatusPending
	}

	b := psql.Update("prescriptions").
		Set("status", string(to)).
		Set("failure_reason", reason)
	return r.guardedUpdate(ctx, id, b, to, from)
}

func (r *prescriptionRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	b := psql.Update("prescriptions").
		Set("status", string(constants.StatusPending)).
		Set("failure_reason", "")
	return r.guardedUpdate(ctx, id, b, constants.StatusPending,
		constants.StatusExtractionFailed, constants.StatusAnalysisFailed)
}

func (r *prescriptionRepository) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	b := psql.Update("prescriptions").Set("notes", notes)
	return r.guardedUpdate(ctx, id, b, "",
		constants.StatusPending, constants.StatusExtractionFailed, constants.StatusAnalysisFailed)
}

func (r *prescriptionRepository) ListAnalyzed(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]*entity.Prescription, error) {
	b := psql.Select(prescriptionColumns).
		From("prescriptions").
		Where(sq.Eq{"status": string(constants.StatusAnalysisDone)}).
		OrderBy("created_at")
	if ownerID != uuid.Nil {
		b = b.Where(sq.Eq{"owner_id": ownerID})
	}
	if from != nil {
		b = b.Where(sq.GtOrEq{"created_at": *from})
	}
	if to != nil {
		b = b.Where(sq.Lt{"created_at": *to})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to list analyzed prescriptions", "owner_id", ownerID, "error", err)
		return nil, common.DatabaseError("list analyzed prescriptions", err)
	}
	defer rows.Close()

	var out []*entity.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, common.DatabaseError("scan prescription", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// guardedUpdate applies b to the row only when its status is one of allowedFrom.
// Zero rows affected means the row is missing or in a status the write is not
// valid from; the caller gets ErrNotFound or ErrInvalidTransition accordingly.
func (r *prescriptionRepository) guardedUpdate(ctx context.Context, id uuid.UUID, b sq.UpdateBuilder, to constants.PrescriptionStatus, allowedFrom ...constants.PrescriptionStatus) error {
	from := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		from[i] = string(s)
	}

	q, args, err := b.
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Expr("status = ANY(?)", from)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		r.logger.Error("prescription update failed", "prescription_id", id, "error", err)
		return common.DatabaseError("update prescription", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	r.logger.Warn("rejected status write",
		"prescription_id", id, "current_status", cur, "target_status", to)
	if to == "" {
		return fmt.Errorf("%w: notes not editable while %s", common.ErrInvalidTransition, cur)
	}
	return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, cur, to)
}

func (r *prescriptionRepository) currentStatus(ctx context.Context, id uuid.UUID) (constants.PrescriptionStatus, error) {
	var s string
	err := r.pool.QueryRow(ctx, "SELECT status FROM prescriptions WHERE id = $1", id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("prescription %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return "", common.DatabaseError("load prescription status", err)
	}
	return constants.PrescriptionStatus(s), nil
}

func scanPrescription(row pgx.Row) (*entity.Prescription, error) {
	var (
		p              entity.Prescription
		status         string
		structuredJSON []byte
		analysisJSON   []byte
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.ImageRef, &status, &p.FailureReason,
		&p.ExtractedText, &p.ExtractionConfidence, &structuredJSON, &analysisJSON,
		&p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = constants.PrescriptionStatus(status)

	if len(structuredJSON) > 0 {
		var s entity.StructuredExtraction
		if err := json.Unmarshal(structuredJSON, &s); err != nil {
			return nil, fmt.Errorf("decode structured extraction: %w", err)
		}
		p.Structured = &s
	}
	if len(analysisJSON) > 0 {
		var a entity.AnalysisResult
		if err := json.Unmarshal(analysisJSON, &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		p.Analysis = &a
	}
	return &p, nil
}
