package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/ordoscan/ordoscan/internal/entity"
	"github.com/ordoscan/ordoscan/internal/repository"
)

// Service is a tiny façade over the prescription repository that produces
// XLSX bytes for analyzed prescriptions.
type Service struct {
	repo   repository.PrescriptionRepository
	logger *slog.Logger
}

func NewService(repo repository.PrescriptionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// ExportAnalyzedXLSX returns an XLSX workbook (as bytes) with one row per
// analyzed medication. ownerID of uuid.Nil exports across all owners.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> all analyzed prescriptions for the owner.
func (s *Service) ExportAnalyzedXLSX(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	fromDate, toDate := normalizeWindow(from, to)
	recs, err := s.repo.ListAnalyzed(ctx, ownerID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("query analyzed prescriptions: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Medications"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Prescription ID",
		"Patient",
		"Prescriber",
		"Prescription Date",
		"Medication",
		"Dosage",
		"Frequency",
		"Duration",
		"Interactions",
		"Side Effects",
		"Warnings",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	medRows := 0
	for _, p := range recs {
		if p.Analysis == nil {
			continue
		}
		patient, prescriber, date := structuredHeader(p)

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		for _, med := range p.Analysis.Medications {
			write(1, p.ID.String())
			write(2, patient)
			write(3, prescriber)
			write(4, date)
			write(5, med.Name)
			write(6, med.Dosage)
			write(7, med.Frequency)
			write(8, med.Duration)
			write(9, joinList(med.Interactions))
			write(10, joinList(med.SideEffects))
			write(11, joinList(p.Analysis.Warnings))
			row++
			medRows++
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // prescription id
	_ = f.SetColWidth(sheet, "B", "C", 22) // people
	_ = f.SetColWidth(sheet, "D", "D", 14) // date
	_ = f.SetColWidth(sheet, "E", "E", 24) // medication
	_ = f.SetColWidth(sheet, "F", "H", 18) // regimen
	_ = f.SetColWidth(sheet, "I", "K", 40) // analysis lists

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"owner_id", ownerID.String(),
		"prescriptions", len(recs),
		"rows", medRows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// normalizeWindow turns the requested dates into a half-open [from, to) range
// over date-only UTC boundaries, so both ends are day-inclusive. A from
// without a to runs through today.
func normalizeWindow(from, to *time.Time) (*time.Time, *time.Time) {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	var fromDate, toDate *time.Time
	if from != nil {
		f := day(*from)
		fromDate = &f
	}
	if to == nil && from != nil {
		now := time.Now().UTC()
		to = &now
	}
	if to != nil {
		t := day(*to).AddDate(0, 0, 1)
		toDate = &t
	}
	return fromDate, toDate
}

func structuredHeader(p *entity.Prescription) (patient, prescriber, date string) {
	if p.Structured == nil {
		return "", "", ""
	}
	return p.Structured.PatientName, p.Structured.DoctorName, p.Structured.Date
}

func joinList(items []string) string {
	return strings.Join(items, "; ")
}
