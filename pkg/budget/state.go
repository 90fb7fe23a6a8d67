package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pario-ai/preflight/pkg/models"
)

// StateStore persists the daily BudgetState.
type StateStore interface {
	Load(ctx context.Context) (models.BudgetState, error)
	Save(ctx context.Context, state models.BudgetState) error
}

// FileStateStore keeps the state as a JSON document at Path.
type FileStateStore struct {
	Path string
	log  *slog.Logger
}

// NewFileStateStore returns a store at path. A nil logger uses slog.Default.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStateStore{Path: path, log: logger.With("subsystem", "budget")}
}

// Load returns the stored state. A missing file, or one that does not hold a
// valid state, reads as zero usage so corrupt state never blocks a run.
// Errors other than a missing file are returned.
func (s *FileStateStore) Load(_ context.Context) (models.BudgetState, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.BudgetState{}, nil
		}
		return models.BudgetState{}, fmt.Errorf("read budget state: %w", err)
	}

	var state models.BudgetState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("budget state unreadable, treating as unused", "path", s.Path, "error", err)
		return models.BudgetState{}, nil
	}
	if _, err := time.Parse(models.DateLayout, state.Date); err != nil || state.Used < 0 {
		s.log.Warn("budget state invalid, treating as unused", "path", s.Path, "date", state.Date, "used", state.Used)
		return models.BudgetState{}, nil
	}
	return state, nil
}

// Save writes the state atomically, creating parent directories as needed.
func (s *FileStateStore) Save(_ context.Context, state models.BudgetState) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create budget state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode budget state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".budget-*.json")
	if err != nil {
		return fmt.Errorf("write budget state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write budget state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write budget state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("write budget state: %w", err)
	}
	return nil
}
