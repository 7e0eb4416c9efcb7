package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/internal/entity"
)

type stubCompleter struct {
	reply string
	err   error
	msgs  []Message
}

func (s *stubCompleter) Complete(ctx context.Context, msgs []Message) (string, error) {
	s.msgs = msgs
	return s.reply, s.err
}

func sampleRequest() Request {
	return Request{
		PrescriptionID: uuid.New(),
		RawText:        "Amoxicilline 500mg 3 fois par jour",
		Confidence:     72,
		Structured: entity.StructuredExtraction{
			PatientName: "Jean Dupont",
			DoctorName:  "Martin",
			Date:        "01/02/2024",
			Medications: []entity.MedicationLine{
				{Name: "Amoxicilline", Dosage: "500mg", Frequency: "3 fois par jour", Duration: "for 7 days"},
			},
		},
	}
}

func TestAnalyzeHappyPath(t *testing.T) {
	stub := &stubCompleter{reply: `{
		"medications": [{"name": "Amoxicillin", "dosage": "500mg", "side_effects": ["nausea"]}],
		"notes": "standard antibiotic course",
		"warnings": []
	}`}
	a := NewAnalyzer(stub, nil)

	res, raw, err := a.Analyze(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(raw) == 0 {
		t.Error("raw JSON should be returned for auditing")
	}
	if len(res.Medications) != 1 || res.Medications[0].Name != "Amoxicillin" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Medications[0].Contraindications == nil {
		t.Error("missing list not backfilled")
	}

	// the prompt must carry the extraction context
	var user string
	for _, m := range stub.msgs {
		if m.Role == RoleUser {
			user = m.Content
		}
	}
	for _, needle := range []string{"Jean Dupont", "Martin", "Amoxicilline", "500mg"} {
		if !strings.Contains(user, needle) {
			t.Errorf("user prompt missing %q", needle)
		}
	}
}

func TestAnalyzeFencedReply(t *testing.T) {
	stub := &stubCompleter{reply: "```json\n{\"medications\":[]}\n```"}
	a := NewAnalyzer(stub, nil)
	if _, _, err := a.Analyze(context.Background(), sampleRequest()); err != nil {
		t.Fatalf("fenced reply should be accepted: %v", err)
	}
}

func TestAnalyzeMalformedReply(t *testing.T) {
	stub := &stubCompleter{reply: `the patient should be fine`}
	a := NewAnalyzer(stub, nil)
	if _, _, err := a.Analyze(context.Background(), sampleRequest()); err == nil {
		t.Fatal("expected error for non-JSON reply")
	}
}

func TestAnalyzeTransportError(t *testing.T) {
	stub := &stubCompleter{err: errors.New("connection reset")}
	a := NewAnalyzer(stub, nil)
	if _, _, err := a.Analyze(context.Background(), sampleRequest()); err == nil {
		t.Fatal("expected transport error to propagate")
	}
}
