package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/entity"
	"github.com/ordoscan/ordoscan/internal/llm"
	"github.com/ordoscan/ordoscan/internal/notify"
	"github.com/ordoscan/ordoscan/internal/ocr"
	"github.com/ordoscan/ordoscan/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRepo is an in-memory prescription store with the same guarded status
// writes as the real repository.
type fakeRepo struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*entity.Prescription
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: map[uuid.UUID]*entity.Prescription{}}
}

func (r *fakeRepo) add(status constants.PrescriptionStatus) *entity.Prescription {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &entity.Prescription{ID: uuid.New(), OwnerID: uuid.New(), Status: status}
	r.recs[p.ID] = p
	return p
}

func (r *fakeRepo) Create(ctx context.Context, p *entity.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = constants.StatusPending
	r.recs[p.ID] = p
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.recs[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, common.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) transition(id uuid.UUID, to constants.PrescriptionStatus, mutate func(*entity.Prescription)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.recs[id]
	if !ok {
		return fmt.Errorf("prescription %s: %w", id, common.ErrNotFound)
	}
	if !constants.CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, p.Status, to)
	}
	mutate(p)
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) SaveExtraction(ctx context.Context, id uuid.UUID, text string, confidence float32, structured *entity.StructuredExtraction) error {
	return r.transition(id, constants.StatusExtractionDone, func(p *entity.Prescription) {
		p.ExtractedText = text
		p.ExtractionConfidence = confidence
		p.Structured = structured
		p.FailureReason = ""
	})
}

func (r *fakeRepo) SaveAnalysis(ctx context.Context, id uuid.UUID, analysis *entity.AnalysisResult, rawJSON []byte) error {
	return r.transition(id, constants.StatusAnalysisDone, func(p *entity.Prescription) {
		p.Analysis = analysis
		p.FailureReason = ""
	})
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID, stage constants.Stage, reason string) error {
	return r.transition(id, constants.FailureStatusFor(stage), func(p *entity.Prescription) {
		p.FailureReason = reason
	})
}

func (r *fakeRepo) ResetToPending(ctx context.Context, id uuid.UUID) error {
	return r.transition(id, constants.StatusPending, func(p *entity.Prescription) {
		p.FailureReason = ""
	})
}

func (r *fakeRepo) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.recs[id]
	if !ok {
		return common.ErrNotFound
	}
	if !constants.NotesEditable(p.Status) {
		return fmt.Errorf("%w: notes not editable while %s", common.ErrInvalidTransition, p.Status)
	}
	p.Notes = notes
	return nil
}

func (r *fakeRepo) ListAnalyzed(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]*entity.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Prescription
	for _, p := range r.recs {
		if p.Status == constants.StatusAnalysisDone {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) status(t *testing.T, id uuid.UUID) constants.PrescriptionStatus {
	t.Helper()
	p, err := r.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("status of %s: %v", id, err)
	}
	return p.Status
}

// fakeQueue records enqueues and registered consumers; tests drive handlers
// directly instead of polling.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[constants.Stage][][]byte
	consumers map[constants.Stage]queue.Consumer
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:      map[constants.Stage][][]byte{},
		consumers: map[constants.Stage]queue.Consumer{},
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, stage constants.Stage, payload []byte, opts queue.Options) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[stage] = append(q.jobs[stage], payload)
	return uuid.New(), nil
}

func (q *fakeQueue) Consume(stage constants.Stage, c queue.Consumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers[stage] = c
}

func (q *fakeQueue) jobsFor(stage constants.Stage) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.jobs[stage]...)
}

type fakeRecognizer struct {
	res   ocr.Result
	err   error
	calls int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, path string, langHints []string) (ocr.Result, error) {
	f.calls++
	return f.res, f.err
}

type fakeAnalyzer struct {
	res   entity.AnalysisResult
	err   error
	calls int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req llm.Request) (entity.AnalysisResult, []byte, error) {
	f.calls++
	if f.err != nil {
		return entity.AnalysisResult{}, nil, f.err
	}
	return f.res, []byte(`{"medications":[]}`), nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (f *fakeNotifier) Notify(ctx context.Context, u notify.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rx.png")
	if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func extractionJob(t *testing.T, p ExtractionPayload) queue.Job {
	t.Helper()
	body, err := encodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: uuid.New(), Stage: constants.StageExtraction, Payload: body, Attempt: 1, MaxAttempts: 3}
}

func analysisJob(t *testing.T, p AnalysisPayload) queue.Job {
	t.Helper()
	body, err := encodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: uuid.New(), Stage: constants.StageAnalysis, Payload: body, Attempt: 1, MaxAttempts: 3}
}

func TestExtractionHappyPath(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusPending)
	engine := &fakeRecognizer{res: ocr.Result{
		Text:       "Patient: Jean Dupont\nAmoxicilline 500mg 3 fois par jour",
		Confidence: 81,
		Language:   "fra",
	}}
	stage := NewExtractionStage(repo, engine, q, 60, 0, testLogger())

	err := stage.Handle(context.Background(), extractionJob(t, ExtractionPayload{
		PrescriptionID: rec.ID,
		ImagePath:      writeTestImage(t),
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != constants.StatusExtractionDone {
		t.Errorf("status = %s", got.Status)
	}
	if got.ExtractedText == "" || got.ExtractionConfidence != 81 {
		t.Errorf("extraction not persisted: %+v", got)
	}
	if got.Structured == nil || len(got.Structured.Medications) != 1 {
		t.Errorf("structured = %+v", got.Structured)
	}

	if n := len(q.jobsFor(constants.StageAnalysis)); n != 1 {
		t.Fatalf("analysis jobs = %d, want 1", n)
	}
	var next AnalysisPayload
	if err := decodePayload(q.jobsFor(constants.StageAnalysis)[0], &next); err != nil {
		t.Fatalf("analysis payload: %v", err)
	}
	if next.PrescriptionID != rec.ID || next.Confidence != 81 {
		t.Errorf("analysis payload = %+v", next)
	}
	if n := len(q.jobsFor(constants.StageNotification)); n != 1 {
		t.Errorf("notification jobs = %d, want 1", n)
	}
}

func TestExtractionMissingImageIsPermanent(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusPending)
	stage := NewExtractionStage(repo, &fakeRecognizer{}, q, 60, 0, testLogger())

	err := stage.Handle(context.Background(), extractionJob(t, ExtractionPayload{
		PrescriptionID: rec.ID,
		ImagePath:      filepath.Join(t.TempDir(), "gone.png"),
	}))
	if !queue.IsPermanent(err) {
		t.Fatalf("missing image should not be retried, got %v", err)
	}
	if n := len(q.jobsFor(constants.StageAnalysis)); n != 0 {
		t.Errorf("analysis jobs = %d, want 0", n)
	}
	if repo.status(t, rec.ID) != constants.StatusPending {
		t.Error("handler must not write status; exhaustion bookkeeping does")
	}
}

func TestExtractionOCRErrorIsRetryable(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusPending)
	engine := &fakeRecognizer{err: errors.New("tesseract crashed")}
	stage := NewExtractionStage(repo, engine, q, 60, 0, testLogger())

	err := stage.Handle(context.Background(), extractionJob(t, ExtractionPayload{
		PrescriptionID: rec.ID,
		ImagePath:      writeTestImage(t),
	}))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("transient OCR failure must requeue, got %v", err)
	}
	if repo.status(t, rec.ID) != constants.StatusPending {
		t.Error("status must stay pending until retries exhaust")
	}
}

func TestExtractionResumeReenqueuesAnalysis(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusExtractionDone)
	repo.mu.Lock()
	repo.recs[rec.ID].ExtractedText = "Doliprane 1000mg"
	repo.recs[rec.ID].ExtractionConfidence = 70
	repo.mu.Unlock()
	engine := &fakeRecognizer{}
	stage := NewExtractionStage(repo, engine, q, 60, 0, testLogger())

	err := stage.Handle(context.Background(), extractionJob(t, ExtractionPayload{
		PrescriptionID: rec.ID,
		ImagePath:      writeTestImage(t),
	}))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if engine.calls != 0 {
		t.Error("resume must not re-run OCR")
	}
	if n := len(q.jobsFor(constants.StageAnalysis)); n != 1 {
		t.Errorf("analysis jobs = %d, want 1", n)
	}
}

func TestExtractionSkipsTerminalRecord(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusExtractionFailed)
	stage := NewExtractionStage(repo, &fakeRecognizer{}, q, 60, 0, testLogger())

	err := stage.Handle(context.Background(), extractionJob(t, ExtractionPayload{
		PrescriptionID: rec.ID,
		ImagePath:      writeTestImage(t),
	}))
	if err != nil {
		t.Fatalf("stale job must be dropped cleanly: %v", err)
	}
	if n := len(q.jobsFor(constants.StageAnalysis)); n != 0 {
		t.Errorf("analysis jobs = %d, want 0", n)
	}
}

func TestAnalysisHappyPath(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusExtractionDone)
	analyzer := &fakeAnalyzer{res: entity.AnalysisResult{
		Medications: []entity.MedicationAnalysis{{Name: "Amoxicillin"}},
	}}
	stage := NewAnalysisStage(repo, analyzer, q, testLogger())

	err := stage.Handle(context.Background(), analysisJob(t, AnalysisPayload{
		PrescriptionID: rec.ID,
		ExtractedText:  "Amoxicilline 500mg",
		Confidence:     81,
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != constants.StatusAnalysisDone {
		t.Errorf("status = %s", got.Status)
	}
	if got.Analysis == nil || len(got.Analysis.Medications) != 1 {
		t.Errorf("analysis not persisted: %+v", got.Analysis)
	}

	notifications := q.jobsFor(constants.StageNotification)
	if len(notifications) != 1 {
		t.Fatalf("notification jobs = %d, want 1", len(notifications))
	}
	var n NotificationPayload
	if err := decodePayload(notifications[0], &n); err != nil {
		t.Fatal(err)
	}
	if n.Status != constants.StatusAnalysisDone {
		t.Errorf("notified status = %s", n.Status)
	}
}

func TestAnalysisErrorLeavesRecordUntouched(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusExtractionDone)
	analyzer := &fakeAnalyzer{err: errors.New("model unavailable")}
	stage := NewAnalysisStage(repo, analyzer, q, testLogger())

	err := stage.Handle(context.Background(), analysisJob(t, AnalysisPayload{
		PrescriptionID: rec.ID,
		ExtractedText:  "x",
	}))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("model failure must requeue, got %v", err)
	}
	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != constants.StatusExtractionDone || got.Analysis != nil {
		t.Errorf("record mutated on failed analysis: %+v", got)
	}
}

func TestAnalysisNeverRunsFromFailedExtraction(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusExtractionFailed)
	analyzer := &fakeAnalyzer{}
	stage := NewAnalysisStage(repo, analyzer, q, testLogger())

	err := stage.Handle(context.Background(), analysisJob(t, AnalysisPayload{
		PrescriptionID: rec.ID,
		ExtractedText:  "x",
	}))
	if err != nil {
		t.Fatalf("stale analysis job must drop cleanly: %v", err)
	}
	if analyzer.calls != 0 {
		t.Error("analyzer must not run for a failed extraction")
	}
	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Analysis != nil {
		t.Error("no analysis result may exist for a failed extraction")
	}
}

func newTestCoordinator(repo *fakeRepo, q *fakeQueue, notifier *fakeNotifier, engine Recognizer, analyzer llm.Analyzer) *Coordinator {
	cfg := common.QueueConfig{
		ExtractionWorkers:   1,
		AnalysisWorkers:     1,
		NotificationWorkers: 1,
		ExtractionBackoff:   time.Millisecond,
		AnalysisBackoff:     time.Millisecond,
		NotificationBackoff: time.Millisecond,
	}
	ext := NewExtractionStage(repo, engine, q, 60, 0, testLogger())
	ana := NewAnalysisStage(repo, analyzer, q, testLogger())
	return NewCoordinator(cfg, q, repo, ext, ana, notifier, testLogger())
}

func TestExhaustionMarksStageFailure(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	notifier := &fakeNotifier{}
	rec := repo.add(constants.StatusPending)
	c := newTestCoordinator(repo, q, notifier, &fakeRecognizer{}, &fakeAnalyzer{})
	c.Start()

	job := extractionJob(t, ExtractionPayload{PrescriptionID: rec.ID, ImagePath: "/x.png"})
	q.consumers[constants.StageExtraction].OnExhausted(context.Background(), job, errors.New("ocr kept failing"))

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != constants.StatusExtractionFailed {
		t.Errorf("status = %s, want extraction_failed", got.Status)
	}
	if got.FailureReason != "ocr kept failing" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
	if n := len(q.jobsFor(constants.StageAnalysis)); n != 0 {
		t.Errorf("a failed extraction must never feed analysis, got %d jobs", n)
	}

	notifications := q.jobsFor(constants.StageNotification)
	if len(notifications) != 1 {
		t.Fatalf("notification jobs = %d, want 1", len(notifications))
	}
	var p NotificationPayload
	if err := decodePayload(notifications[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != constants.StatusExtractionFailed || p.Reason == "" {
		t.Errorf("terminal notification = %+v", p)
	}
}

func TestExtractionExhaustionAfterCommittedExtraction(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	notifier := &fakeNotifier{}
	// extraction committed, but every hand-off to analysis failed until the
	// job's retries ran out
	rec := repo.add(constants.StatusExtractionDone)
	c := newTestCoordinator(repo, q, notifier, &fakeRecognizer{}, &fakeAnalyzer{})
	c.Start()

	job := extractionJob(t, ExtractionPayload{PrescriptionID: rec.ID, ImagePath: "/x.png"})
	q.consumers[constants.StageExtraction].OnExhausted(context.Background(), job, errors.New("enqueue analysis: queue is shut down"))

	got, _ := repo.GetByID(context.Background(), rec.ID)
	if got.Status != constants.StatusAnalysisFailed {
		t.Fatalf("status = %s, want analysis_failed (extraction_done has no extraction_failed edge)", got.Status)
	}
	if got.FailureReason == "" {
		t.Error("failure reason must be recorded")
	}
	if !constants.CanTransition(got.Status, constants.StatusPending) {
		t.Error("record must remain operator-resettable")
	}

	notifications := q.jobsFor(constants.StageNotification)
	if len(notifications) != 1 {
		t.Fatalf("notification jobs = %d, want 1", len(notifications))
	}
	var p NotificationPayload
	if err := decodePayload(notifications[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != constants.StatusAnalysisFailed {
		t.Errorf("terminal notification status = %s", p.Status)
	}
}

func TestNotificationExhaustionTouchesNothing(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	rec := repo.add(constants.StatusAnalysisDone)
	c := newTestCoordinator(repo, q, &fakeNotifier{}, &fakeRecognizer{}, &fakeAnalyzer{})
	c.Start()

	body, _ := encodePayload(NotificationPayload{PrescriptionID: rec.ID, Status: constants.StatusAnalysisDone})
	job := queue.Job{ID: uuid.New(), Stage: constants.StageNotification, Payload: body, Attempt: 3, MaxAttempts: 3}
	q.consumers[constants.StageNotification].OnExhausted(context.Background(), job, errors.New("endpoint down"))

	if repo.status(t, rec.ID) != constants.StatusAnalysisDone {
		t.Error("undeliverable notification must not change the record")
	}
}

func TestFullPipelineVisitsEveryStage(t *testing.T) {
	repo := newFakeRepo()
	q := newFakeQueue()
	notifier := &fakeNotifier{}
	engine := &fakeRecognizer{res: ocr.Result{Text: "Ibuprofene 400mg", Confidence: 75, Language: "fra"}}
	analyzer := &fakeAnalyzer{res: entity.AnalysisResult{Medications: []entity.MedicationAnalysis{{Name: "Ibuprofen"}}}}
	c := newTestCoordinator(repo, q, notifier, engine, analyzer)
	c.Start()

	rec := repo.add(constants.StatusPending)
	ctx := context.Background()

	ext := q.consumers[constants.StageExtraction]
	if err := ext.Handler(ctx, extractionJob(t, ExtractionPayload{PrescriptionID: rec.ID, ImagePath: writeTestImage(t)})); err != nil {
		t.Fatalf("extraction: %v", err)
	}
	if repo.status(t, rec.ID) != constants.StatusExtractionDone {
		t.Fatal("extraction must commit before analysis runs")
	}

	analysisJobs := q.jobsFor(constants.StageAnalysis)
	if len(analysisJobs) != 1 {
		t.Fatalf("analysis jobs = %d", len(analysisJobs))
	}
	ana := q.consumers[constants.StageAnalysis]
	if err := ana.Handler(ctx, queue.Job{ID: uuid.New(), Stage: constants.StageAnalysis, Payload: analysisJobs[0], Attempt: 1, MaxAttempts: 3}); err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if repo.status(t, rec.ID) != constants.StatusAnalysisDone {
		t.Fatal("analysis must commit analysis_done")
	}

	// deliver the queued status updates
	not := q.consumers[constants.StageNotification]
	for _, body := range q.jobsFor(constants.StageNotification) {
		if err := not.Handler(ctx, queue.Job{ID: uuid.New(), Stage: constants.StageNotification, Payload: body, Attempt: 1, MaxAttempts: 3}); err != nil {
			t.Fatalf("notification: %v", err)
		}
	}
	if len(notifier.updates) != 2 {
		t.Fatalf("delivered updates = %d, want extraction_done then analysis_done", len(notifier.updates))
	}
	if notifier.updates[0].Status != constants.StatusExtractionDone || notifier.updates[1].Status != constants.StatusAnalysisDone {
		t.Errorf("update order = %v, %v", notifier.updates[0].Status, notifier.updates[1].Status)
	}
}
