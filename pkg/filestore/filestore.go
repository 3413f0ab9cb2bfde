// Package filestore provides primitive file operations scoped to a root
// directory. Every operation addresses a file by (dir, name), where dir is
// relative to the root and name is a single path element. Directories are
// created on demand.
//
// The store does no locking; callers serialize access to a given file.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when an operation targets a file that does not exist.
	ErrNotFound = errors.New("filestore: file not found")

	// ErrInvalidPath is returned when a dir or name would resolve outside the root.
	ErrInvalidPath = errors.New("filestore: invalid path")
)

// Store is a directory-rooted file store.
type Store struct {
	root string
}

// New creates a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: root directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: init root %s: %w", abs, err)
	}
	return &Store{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) dirPath(dir string) (string, error) {
	resolved := filepath.Clean(filepath.Join(s.root, dir))
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: directory %q escapes root", ErrInvalidPath, dir)
	}
	return resolved, nil
}

// Path resolves (dir, name) to an absolute path inside the root.
func (s *Store) Path(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: file name %q", ErrInvalidPath, name)
	}
	d, err := s.dirPath(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// Write writes data to dir/name, creating parent directories and replacing
// any existing file of that name.
func (s *Store) Write(dir, name string, data []byte) error {
	path, err := s.Path(dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("filestore: create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return nil
}

// Rename atomically renames oldName to newName inside dir.
func (s *Store) Rename(dir, oldName, newName string) error {
	return s.Move(dir, oldName, dir, newName)
}

// Move atomically moves srcDir/srcName to dstDir/dstName. Both locations
// live under the same root, so the underlying rename stays on one filesystem.
func (s *Store) Move(srcDir, srcName, dstDir, dstName string) error {
	src, err := s.Path(srcDir, srcName)
	if err != nil {
		return err
	}
	dst, err := s.Path(dstDir, dstName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("filestore: create directory for %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("filestore: rename %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes dir/name.
func (s *Store) Delete(dir, name string) error {
	path, err := s.Path(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("filestore: delete %s: %w", path, err)
	}
	return nil
}

// Read returns the contents of dir/name. A missing file is reported with
// ok == false and a nil error.
func (s *Store) Read(dir, name string) (data []byte, ok bool, err error) {
	path, err := s.Path(dir, name)
	if err != nil {
		return nil, false, err
	}
	data, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	return data, true, nil
}

// Open returns a reader over dir/name. The caller must close it.
func (s *Store) Open(dir, name string) (io.ReadCloser, error) {
	path, err := s.Path(dir, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	return f, nil
}

// List returns the sorted names of regular files directly under dir. A
// missing directory yields an empty list.
func (s *Store) List(dir string) ([]string, error) {
	d, err := s.dirPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", d, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// RemoveAll deletes dir and everything below it. The root itself cannot be removed.
func (s *Store) RemoveAll(dir string) error {
	d, err := s.dirPath(dir)
	if err != nil {
		return err
	}
	if d == s.root {
		return fmt.Errorf("%w: refusing to remove store root", ErrInvalidPath)
	}
	if err := os.RemoveAll(d); err != nil {
		return fmt.Errorf("filestore: remove %s: %w", d, err)
	}
	return nil
}
