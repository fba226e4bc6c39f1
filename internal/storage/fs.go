package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// FS implements Provider on the local file system.
type FS struct {
	perm os.FileMode // mode for files we create
}

// NewFS creates a local file-system provider.
func NewFS() *FS {
	return &FS{perm: 0o644}
}

// Resolve returns the cleaned absolute form of path. Open files are
// identified by this form.
func Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("storage: resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically replaces content: temp file in the same directory, then rename.
func (f *FS) Write(path string, content []byte) error {
	existed := f.Exists(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if !existed {
		// atomic.WriteFile keeps the mode of an existing file only.
		if err := os.Chmod(path, f.perm); err != nil {
			return fmt.Errorf("storage: chmod %s: %w", path, err)
		}
	}
	return nil
}

// BackupName returns the dated sibling name used for a backup of path:
// <base>.save.<YYYY-MM-DD>.<random>.<ext>.
func BackupName(path string, now time.Time) string {
	dir, name := filepath.Split(path)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(dir, fmt.Sprintf("%s.save.%s.%s%s", base, now.Format(time.DateOnly), suffix, ext))
}

// Backup copies path to a dated sibling, preserving mode and modification time.
func (f *FS) Backup(path string, now time.Time) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("storage: backup open %s: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("storage: backup stat %s: %w", path, err)
	}

	target := BackupName(path, now)
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("storage: backup create: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("storage: backup copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("storage: backup close: %w", err)
	}
	_ = os.Chtimes(target, info.ModTime(), info.ModTime())
	return target, nil
}

// Exists reports whether a regular file exists at path.
func (f *FS) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Touch creates an empty file (and its parent directories) unless it exists.
func (f *FS) Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, f.perm)
	if err != nil {
		return fmt.Errorf("storage: touch %s: %w", path, err)
	}
	return file.Close()
}
