package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store keeps generated charge lists for later download.
type Store interface {
	// Put writes an artifact and returns its storage location.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Exists verifies a previously stored artifact is retrievable.
	Exists(ctx context.Context, name string) (bool, error)
}

// FileStore writes artifacts under a base directory.
type FileStore struct {
	dir string
	log *zap.Logger
}

func NewFileStore(dir string, log *zap.Logger) *FileStore {
	return &FileStore{dir: dir, log: log.Named("artifact.store")}
}

func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	s.log.Info("artifact stored", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

func (s *FileStore) Exists(ctx context.Context, name string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() > 0, nil
}
