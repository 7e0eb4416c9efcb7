package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) ImageStore {
	t.Helper()
	s, err := NewDiskImageStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveAndResolve(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()

	ref, err := s.Save(context.Background(), owner, "scan.JPG", []byte("imagedata"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(ref, owner.String()+string(filepath.Separator)) {
		t.Errorf("ref %q not under owner directory", ref)
	}
	if !strings.HasSuffix(ref, ".jpg") {
		t.Errorf("ref %q should carry the normalized extension", ref)
	}

	data, err := os.ReadFile(s.Path(ref))
	if err != nil {
		t.Fatalf("read stored image: %v", err)
	}
	if string(data) != "imagedata" {
		t.Errorf("stored bytes = %q", data)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()

	if _, err := s.Save(context.Background(), owner, "report.pdf", []byte("x")); err == nil {
		t.Error("pdf extension should be rejected")
	}
	if _, err := s.Save(context.Background(), owner, "scan.png", nil); err == nil {
		t.Error("empty payload should be rejected")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()

	ref, err := s.Save(context.Background(), owner, "scan.png", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(context.Background(), ref); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(context.Background(), ref); err != nil {
		t.Errorf("second remove should be a no-op: %v", err)
	}
}
