package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local writes under a base directory on the local filesystem. Writes are
// atomic: temp file in the destination directory, then rename.
type Local struct {
	base string
}

// NewLocal resolves a device's base_path under root when it is relative.
func NewLocal(root, basePath string) *Local {
	if !filepath.IsAbs(basePath) {
		basePath = filepath.Join(root, basePath)
	}
	return &Local{base: basePath}
}

func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	full := filepath.Join(l.base, filepath.FromSlash(path))
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (l *Local) MkdirAll(ctx context.Context, path string) error {
	return os.MkdirAll(filepath.Join(l.base, filepath.FromSlash(path)), 0o755)
}

func (l *Local) Close() error { return nil }
