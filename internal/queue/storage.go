package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sapliy/notifysync/internal/store"
)

// FileStorage persists queue snapshots as JSON files under a directory,
// writing to a temp file and renaming so a crash never leaves a torn
// snapshot behind.
type FileStorage struct {
	dir string
}

var _ store.LocalStorage = (*FileStorage)(nil)

func NewFileStorage(dir string) (*FileStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) Persist(queueID string, data []byte) error {
	path := s.path(queueID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStorage) Load(queueID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(queueID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStorage) Remove(queueID string) error {
	err := os.Remove(s.path(queueID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStorage) path(queueID string) string {
	// Queue ids are caller-controlled; keep them from escaping the dir.
	safe := strings.ReplaceAll(queueID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}
