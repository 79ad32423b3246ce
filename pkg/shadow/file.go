package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sandesh/internal/observability"
)

const (
	sessionsFile = "sessions.json"
	historyDir   = "history"
)

// FileStore keeps sessions.json and one history/<id>.json per session under
// a directory. Every write goes to a temp file that is renamed into place.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("shadow directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create shadow directory: %w", err)
	}

	fs := &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "shadow-file").Logger(),
	}
	fs.logger.Info().Str("dir", dir).Msg("File shadow store initialized")
	return fs, nil
}

func (fs *FileStore) SaveSessions(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeSessionsLocked(records)
}

func (fs *FileStore) writeSessionsLocked(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	start := time.Now()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if err := writeAtomic(filepath.Join(fs.dir, sessionsFile), data); err != nil {
		return err
	}
	fs.logger.Debug().Int("sessions", len(records)).Dur("took", time.Since(start)).Msg("Sessions saved")
	return nil
}

func (fs *FileStore) LoadSessions(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadSessionsLocked()
}

func (fs *FileStore) loadSessionsLocked() ([]Record, error) {
	data, err := os.ReadFile(filepath.Join(fs.dir, sessionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return DecodeSessions(data)
}

func (fs *FileStore) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.historyPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove history: %w", err)
	}

	records, err := fs.loadSessionsLocked()
	if err != nil {
		return err
	}
	kept := records[:0]
	found := false
	for _, r := range records {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return nil
	}
	return fs.writeSessionsLocked(kept)
}

func (fs *FileStore) SaveHistory(ctx context.Context, id string, h History) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeHistory(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeAtomic(fs.historyPath(id), data)
}

func (fs *FileStore) LoadHistory(ctx context.Context, id string) (History, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.historyPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return DecodeHistory(data)
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) historyPath(id string) string {
	return filepath.Join(fs.dir, historyDir, id+".json")
}

// writeAtomic writes data to a temp file in the target directory, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	start := time.Now()

	file, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	observability.RecordPersist(time.Since(start), true)
	return nil
}
