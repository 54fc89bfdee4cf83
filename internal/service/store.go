package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sjq4/agent/internal/model"
)

// Store keeps the agent configuration file and its last loaded content.
type Store struct {
	path  string
	mx    sync.RWMutex
	cfg   model.Config
	mtime time.Time
}

// OpenStore loads the configuration at path. A default configuration is
// written there if the file does not exist.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	s := &Store{path: path}
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.InfoContext(ctx, "config file not found: writing defaults", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
		}
		if err := s.write(model.DefaultConfig()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Config returns the last loaded configuration. It must not be modified.
func (s *Store) Config() model.Config {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.cfg
}

// Save applies a capacity descriptor pushed by the coordinator and stores
// the result.
func (s *Store) Save(ctx context.Context, cl model.Client) error {
	if err := cl.Validate(); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	cfg := s.cfg
	cfg.Apply(cl)
	// the stored file must load again on the next start
	var buf bytes.Buffer
	if err := model.WriteConfig(&buf, cfg); err != nil {
		return err
	}
	if _, err := model.LoadConfig(&buf); err != nil {
		return fmt.Errorf("rejecting configuration: %w", err)
	}
	if err := s.write(cfg); err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.mtime = info.ModTime()
	slog.InfoContext(ctx, "configuration saved", "path", s.path, "tasks", len(cfg.Tasks))
	return nil
}

// Reload reads the file again if it was modified since the last load.
// On error the previous configuration stays active.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return false, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.mtime.IsZero() && info.ModTime().Equal(s.mtime) {
		return false, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.ErrorContext(ctx, "invalid configuration", d.Attr("detail"))
		}
		return false, fmt.Errorf("parsing config %s: %w", s.path, err)
	}
	s.cfg = *cfg
	s.mtime = info.ModTime()
	slog.DebugContext(ctx, "configuration loaded", "path", s.path, "tasks", len(cfg.Tasks))
	return true, nil
}

// write stores cfg through a temporary file, so readers never see a
// partially written configuration.
func (s *Store) write(cfg model.Config) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sjqagent-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temporary config: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := model.WriteConfig(tmp, cfg); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
