package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pario-ai/preflight/pkg/models"
)

// FileStore keeps claims as {dir}/{key}.lock and markers as {dir}/{key}.done.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore returns a FileStore rooted at {baseDir}/{namespace}.
// The directory is created on first use.
func NewFileStore(baseDir, namespace string) *FileStore {
	return &FileStore{
		dir: filepath.Join(baseDir, SafeKey(namespace)),
		now: time.Now,
	}
}

// Dir returns the namespace directory.
func (s *FileStore) Dir() string { return s.dir }

// LockPath returns the lock file path for key.
func (s *FileStore) LockPath(key string) string {
	return filepath.Join(s.dir, SafeKey(key)+".lock")
}

// DonePath returns the completion marker path for key.
func (s *FileStore) DonePath(key string) string {
	return filepath.Join(s.dir, SafeKey(key)+".done")
}

// Location implements Claimer.
func (s *FileStore) Location(key string) string { return s.LockPath(key) }

// Acquire creates the lock file with O_EXCL. An existing file means another
// holder owns the claim; any other error is returned as is.
func (s *FileStore) Acquire(_ context.Context, key string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create claim dir: %w", err)
	}

	path := s.LockPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrHeld
		}
		return fmt.Errorf("acquire %s: %w", path, err)
	}

	body, _ := json.Marshal(newHolder(key, s.now()))
	_, werr := f.Write(body)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write holder to %s: %w", path, werr)
	}
	return nil
}

// Release removes the lock file.
func (s *FileStore) Release(_ context.Context, key string) error {
	path := s.LockPath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", path, err)
	}
	return nil
}

// Inspect reads the holder recorded in the lock file. A lock whose body
// cannot be decoded is reported with its modification time only.
func (s *FileStore) Inspect(_ context.Context, key string) (models.ClaimInfo, error) {
	path := s.LockPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ClaimInfo{}, ErrNotHeld
		}
		return models.ClaimInfo{}, fmt.Errorf("inspect %s: %w", path, err)
	}

	var info models.ClaimInfo
	if err := json.Unmarshal(data, &info); err != nil || info.AcquiredAt.IsZero() {
		info = models.ClaimInfo{Key: key}
		if st, serr := os.Stat(path); serr == nil {
			info.AcquiredAt = st.ModTime().UTC()
		}
	}
	info.Location = path
	return info, nil
}

// Done reports whether the completion marker exists.
func (s *FileStore) Done(_ context.Context, key string) (bool, error) {
	path := s.DonePath(key)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("check marker %s: %w", path, err)
	}
}

// MarkDone writes the completion marker. Only its existence matters.
func (s *FileStore) MarkDone(_ context.Context, key string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create claim dir: %w", err)
	}
	path := s.DonePath(key)
	stamp := s.now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return nil
}

// ClearDone removes the completion marker.
func (s *FileStore) ClearDone(_ context.Context, key string) error {
	path := s.DonePath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear marker %s: %w", path, err)
	}
	return nil
}
