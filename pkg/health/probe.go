package health

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/pestras/micro/pkg/errors"
)

// Probe answers external health checks from the health-state file
type Probe struct {
	store *FileStore
}

// NewProbe creates a probe for <dir>/__health; an empty dir resolves to DefaultDir
func NewProbe(dir string) *Probe {
	return &Probe{store: NewFileStore(dir)}
}

// Path returns the health-state file the probe reads
func (p *Probe) Path() string {
	return p.store.Path()
}

// Check returns nil when the file exists, parses as JSON and the requested
// field is truthy. An empty field defaults to "healthy".
func (p *Probe) Check(field string) error {
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" {
		field = FieldHealthy
	}

	data, err := os.ReadFile(p.store.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("health file does not exist", err).WithContext("path", p.store.Path())
		}
		return errors.NewIOError("failed to read health file", err).WithContext("path", p.store.Path())
	}

	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.NewValidationError("failed to parse health file", err).WithContext("path", p.store.Path())
	}

	if !truthy(state[field]) {
		return errors.NewValidationError("health field is not passing", nil).WithContext("field", field)
	}
	return nil
}

// Wait blocks until Check passes or ctx is done, re-checking whenever the
// health-state file is created or replaced. It returns the last check error
// when ctx ends first.
func (p *Probe) Wait(ctx context.Context, field string) error {
	lastErr := p.Check(field)
	if lastErr == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create file watcher", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(p.store.Dir(), 0755); err != nil {
		return errors.NewIOError("failed to create health directory", err).WithContext("directory", p.store.Dir())
	}
	if err := watcher.Add(p.store.Dir()); err != nil {
		return errors.NewIOError("failed to watch health directory", err).WithContext("directory", p.store.Dir())
	}

	// The file may have been written between the first check and Add.
	if lastErr = p.Check(field); lastErr == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return lastErr

		case event, ok := <-watcher.Events:
			if !ok {
				return lastErr
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if lastErr = p.Check(field); lastErr == nil {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return lastErr
			}
			return errors.NewIOError("file watcher failed", err)
		}
	}
}

// ExitCode maps a probe result to the process exit code
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
