// Package store persists the scheduler document as a single JSON file.
// Writes go to a sibling temp file, are fsynced, and atomically renamed
// over the target; the file is never written in place.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

const stateFileName = "state.json"

// FileStore owns the on-disk document. The process is the only writer.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// New creates the data directory if needed and returns a store rooted there.
func New(dataDir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", dataDir, err)
	}
	return &FileStore{
		path:   filepath.Join(dataDir, stateFileName),
		logger: logger,
	}, nil
}

// Path returns the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

// Load hydrates the document from disk. The second return is false when no
// state file exists yet.
func (s *FileStore) Load() (*models.Document, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}

	s.logger.Info("State loaded",
		zap.String("path", s.path),
		zap.Int("version", doc.Version),
		zap.Int("users", len(doc.Users)),
		zap.Int("days", len(doc.Days)),
	)
	return &doc, true, nil
}

// Save serializes the document to <path>.tmp, fsyncs, and renames over the
// target. On any failure the previous file is left untouched.
func (s *FileStore) Save(doc *models.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
