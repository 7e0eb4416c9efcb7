package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestWebhookNotifierPostsUpdate(t *testing.T) {
	var got Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	id := uuid.New()
	n := NewWebhookNotifier(srv.URL, 0, testLogger())
	err := n.Notify(context.Background(), Update{
		PrescriptionID: id,
		Status:         constants.StatusExtractionFailed,
		Reason:         "image unreadable",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.PrescriptionID != id || got.Status != constants.StatusExtractionFailed || got.Reason != "image unreadable" {
		t.Errorf("delivered update = %+v", got)
	}
}

func TestWebhookNotifierRetriesOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0, testLogger())
	if err := n.Notify(context.Background(), Update{PrescriptionID: uuid.New()}); err == nil {
		t.Fatal("5xx must surface as an error so the queue retries")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(testLogger())
	if err := n.Notify(context.Background(), Update{PrescriptionID: uuid.New(), Status: constants.StatusAnalysisDone}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
