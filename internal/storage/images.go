package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
	"github.com/ordoscan/ordoscan/internal/common"
)

// ImageStore keeps uploaded prescription images on disk so workers can read
// them independently of the upload request's lifetime.
type ImageStore interface {
	// Save writes the image under the owner's directory and returns the stored
	// path. The stored filename is generated; the original name only supplies
	// the extension.
	Save(ctx context.Context, ownerID uuid.UUID, originalName string, data []byte) (string, error)
	// Path resolves a stored reference to an absolute path.
	Path(ref string) string
	Remove(ctx context.Context, ref string) error
}

type diskImageStore struct {
	root   string
	logger *slog.Logger
}

func NewDiskImageStore(root string, logger *slog.Logger) (ImageStore, error) {
	if root == "" {
		return nil, fmt.Errorf("image root directory not configured: %w", common.ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image root: %w", err)
	}
	return &diskImageStore{root: root, logger: logger}, nil
}

func (s *diskImageStore) Save(ctx context.Context, ownerID uuid.UUID, originalName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image upload: %w", common.ErrInvalidInput)
	}
	ext := "." + constants.NormalizeExt(filepath.Ext(originalName))
	if !constants.IsAllowedImageExt(ext) {
		return "", fmt.Errorf("unsupported image extension %q: %w", ext, common.ErrInvalidInput)
	}

	dir := filepath.Join(s.root, ownerID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create owner directory: %w", err)
	}

	name := uuid.NewString() + ext
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("failed to store image", "owner_id", ownerID, "error", err)
		return "", fmt.Errorf("write image: %w", err)
	}

	ref := filepath.Join(ownerID.String(), name)
	s.logger.Info("image stored", "owner_id", ownerID, "ref", ref, "bytes", len(data))
	return ref, nil
}

func (s *diskImageStore) Path(ref string) string {
	return filepath.Join(s.root, ref)
}

func (s *diskImageStore) Remove(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}
