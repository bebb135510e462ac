// Package local resolves resume references against a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Config captures the parameters for the local resume store.
type Config struct {
	// BaseDir is the directory resume references are resolved under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store serves resumes that already live on the local filesystem.
type Store struct {
	baseDir string
}

// New creates a Store rooted at cfg.BaseDir.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Fetch returns the absolute path of ref. The file is owned by the store, so
// cleanup does nothing.
func (s *Store) Fetch(_ context.Context, ref string) (string, func(), error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "file://")
	if ref == "" {
		return "", nil, fmt.Errorf("resume ref is required")
	}
	fullPath := ref
	if !filepath.IsAbs(ref) {
		fullPath = filepath.Join(s.baseDir, ref)
	}
	fullPath = filepath.Clean(fullPath)
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("path traversal detected")
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("resume %s: %w", ref, apply.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("stat resume: %w", err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("resume %s is a directory", ref)
	}
	return fullPath, func() {}, nil
}
