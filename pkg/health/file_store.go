package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pestras/micro/pkg/errors"
)

const (
	// FileName is the name of the health-state file inside the health directory
	FileName = "__health"

	// DirEnv names the environment variable overriding the health directory
	DirEnv = "HEALTH_CHECK_DIR"
)

// DefaultDir returns HEALTH_CHECK_DIR when set, otherwise the OS temp directory
func DefaultDir() string {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir
	}
	return os.TempDir()
}

// FileStore persists snapshots as a JSON object in <dir>/__health
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir; an empty dir resolves to DefaultDir
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileStore{dir: dir}
}

// Path returns the full path of the health-state file
func (f *FileStore) Path() string {
	return filepath.Join(f.dir, FileName)
}

// Dir returns the directory holding the health-state file
func (f *FileStore) Dir() string {
	return f.dir
}

// Write replaces the file content with the snapshot. The content goes to a
// temporary sibling first and is renamed over the target, so readers never
// observe a partial object.
func (f *FileStore) Write(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("health write cancelled", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.NewInternalError("failed to encode health snapshot", err)
	}

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return errors.NewHealthWriteError("failed to create health directory", err).WithContext("directory", f.dir)
	}

	tmp, err := os.CreateTemp(f.dir, FileName+".*.tmp")
	if err != nil {
		return errors.NewHealthWriteError("failed to create temporary health file", err).WithContext("directory", f.dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewHealthWriteError("failed to write health file", err).WithContext("path", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewHealthWriteError("failed to close health file", err).WithContext("path", tmpName)
	}
	if err := os.Rename(tmpName, f.Path()); err != nil {
		os.Remove(tmpName)
		return errors.NewHealthWriteError("failed to replace health file", err).WithContext("path", f.Path())
	}
	return nil
}

// Read loads the last persisted snapshot
func (f *FileStore) Read() (Snapshot, error) {
	var snapshot Snapshot

	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot, errors.NewNotFoundError("health file does not exist", err).WithContext("path", f.Path())
		}
		return snapshot, errors.NewIOError("failed to read health file", err).WithContext("path", f.Path())
	}

	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, errors.NewValidationError("failed to parse health file", err).WithContext("path", f.Path())
	}
	return snapshot, nil
}

// Remove deletes the health-state file; a missing file is not an error
func (f *FileStore) Remove() error {
	if err := os.Remove(f.Path()); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove health file", err).WithContext("path", f.Path())
	}
	return nil
}
