package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"soundsync/logger"
	"soundsync/model"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

// ErrInvalidFileName is returned for names that do not resolve to a file in
// the media directory.
var ErrInvalidFileName = errors.New("invalid media file name")

// MediaStore is the local media directory. All names are relative to it.
type MediaStore struct {
	fs   billy.Filesystem
	root string
}

// NewMediaStore opens the media directory at root on disk.
func NewMediaStore(root string) *MediaStore {
	return &MediaStore{fs: osfs.New(root), root: root}
}

// NewMemoryMediaStore returns a media store kept in memory.
func NewMemoryMediaStore() *MediaStore {
	return &MediaStore{fs: memfs.New()}
}

// Root is the directory on disk, "" for in-memory stores.
func (m *MediaStore) Root() string {
	return m.root
}

// Raw returns the underlying go-billy filesystem.
func (m *MediaStore) Raw() billy.Filesystem {
	return m.fs
}

// EnsureDir creates the media directory if it is absent.
func (m *MediaStore) EnsureDir() error {
	if m.root == "" {
		return nil
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return fmt.Errorf("failed to create media directory %s: %w", m.root, err)
	}
	return nil
}

// Path returns the location of name as seen by external programs.
func (m *MediaStore) Path(name string) string {
	return filepath.Join(m.root, name)
}

// Exists reports whether name is present.
func (m *MediaStore) Exists(name string) (bool, error) {
	_, err := m.fs.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err), errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("media: stat %q: %w", name, err)
	}
}

// Stat returns file info for name.
func (m *MediaStore) Stat(name string) (os.FileInfo, error) {
	info, err := m.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("media: stat %q: %w", name, err)
	}
	return info, nil
}

// Create truncates or creates name for writing.
func (m *MediaStore) Create(name string) (billy.File, error) {
	f, err := m.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("media: create %q: %w", name, err)
	}
	return f, nil
}

// Open opens name for reading.
func (m *MediaStore) Open(name string) (billy.File, error) {
	f, err := m.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("media: open %q: %w", name, err)
	}
	return f, nil
}

// Rename moves from to to, replacing any existing file.
func (m *MediaStore) Rename(from, to string) error {
	if err := m.fs.Rename(from, to); err != nil {
		return fmt.Errorf("media: rename %q to %q: %w", from, to, err)
	}
	return nil
}

// Remove deletes name. A missing file is not an error.
func (m *MediaStore) Remove(name string) error {
	err := m.fs.Remove(name)
	if err == nil || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("media: remove %q: %w", name, err)
}

// RemoveQuietly removes name and only logs a failure.
func (m *MediaStore) RemoveQuietly(name string) {
	if name == "" {
		return
	}
	if err := m.Remove(name); err != nil {
		logger.Warn("failed to remove media file",
			logger.String("file", name),
			logger.ErrorField(err))
	}
}

// List returns the regular files with an allowed media extension.
func (m *MediaStore) List() ([]os.FileInfo, error) {
	entries, err := m.fs.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("media: readdir: %w", err)
	}
	files := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() && model.HasAllowedExtension(e.Name()) {
			files = append(files, e)
		}
	}
	return files, nil
}

// SafeName reduces a remote file name to a base name inside the media
// directory.
func SafeName(name string) (string, error) {
	cleaned := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch cleaned {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return cleaned, nil
}
