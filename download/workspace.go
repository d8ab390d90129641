// Package download manages the private temporary directories that jobs download into, so that nothing half-written
// ever appears inside the library.
package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const workspacePrefix = "video-library-"

type workspaceConfig struct {
	baseTempDir string
}

type WorkspaceOption func(*workspaceConfig)

// WithTempDir sets the directory workspaces are created under; it should be on the same filesystem as the library,
// so that committing a file is a rename.
func WithTempDir(dir string) WorkspaceOption {
	return func(c *workspaceConfig) {
		c.baseTempDir = dir
	}
}

// Workspace is a private temporary directory owned by a single job.
type Workspace struct {
	dir string
	log *zap.SugaredLogger
}

func NewWorkspace(opts ...WorkspaceOption) (*Workspace, error) {
	config := workspaceConfig{
		baseTempDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if err := os.MkdirAll(config.baseTempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(config.baseTempDir, workspacePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{
		dir: dir,
		log: zap.S().Named("workspace").With("dir", dir),
	}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

func (w *Workspace) CreateTemp(pattern string) (*os.File, error) {
	return os.CreateTemp(w.dir, pattern)
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Close removes the workspace and everything still in it. It is safe to call more than once.
func (w *Workspace) Close() error {
	if err := os.RemoveAll(w.dir); err != nil {
		w.log.Warnf("failed to clean up workspace: %v", err)
		return err
	}
	return nil
}

// WithWorkspace runs f with a new Workspace, which is removed afterwards whatever f returns.
func WithWorkspace(f func(w *Workspace) error, opts ...WorkspaceOption) error {
	if w, err := NewWorkspace(opts...); err != nil {
		return err
	} else {
		defer w.Close()
		return f(w)
	}
}

// SweepStale removes workspaces left behind in baseTempDir by a previous process, returning how many were removed.
// It must only be called before any job starts.
func SweepStale(baseTempDir string) (int, error) {
	entries, err := os.ReadDir(baseTempDir)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	log := zap.S().Named("workspace")
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		path := filepath.Join(baseTempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warnf("failed to remove stale workspace %v: %v", path, err)
			continue
		}
		log.Infof("removed stale workspace %v", path)
		removed++
	}
	return removed, nil
}
