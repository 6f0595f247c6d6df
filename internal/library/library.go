// Package library manages the shared and personal music directories on disk.
package library

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sheerbytes/tracksync/internal/fingerprint"
)

// ErrInvalidName is returned for names that are empty, contain a path
// separator, or carry the wrong extension.
var ErrInvalidName = errors.New("invalid file name")

const partSuffix = ".part"

// Location tells where a matching copy of a file was found.
type Location int

const (
	NotFound Location = iota
	InShared
	InPersonal
)

func (l Location) String() string {
	switch l {
	case InShared:
		return "shared"
	case InPersonal:
		return "personal"
	default:
		return "none"
	}
}

// Library is a pair of flat directories holding files of one extension.
// Received files are always materialized in SharedDir.
type Library struct {
	SharedDir   string
	PersonalDir string
	Ext         string
	logger      *slog.Logger
}

// New returns a Library. ext is compared case-insensitively.
func New(sharedDir, personalDir, ext string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		SharedDir:   sharedDir,
		PersonalDir: personalDir,
		Ext:         strings.ToLower(ext),
		logger:      logger,
	}
}

// Allowed reports whether name carries the library extension.
func (l *Library) Allowed(name string) bool {
	return HasExt(name, l.Ext)
}

// HasExt reports whether name ends in ext, ignoring case.
func HasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

// EnsureDirs creates the shared directory if absent.
func (l *Library) EnsureDirs() error {
	if err := os.MkdirAll(l.SharedDir, 0755); err != nil {
		return fmt.Errorf("create shared dir: %w", err)
	}
	return nil
}

// SharedPath returns the final path of name inside the shared directory.
func (l *Library) SharedPath(name string) (string, error) {
	return l.resolve(l.SharedDir, name)
}

func (l *Library) resolve(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	if !l.Allowed(name) {
		return "", fmt.Errorf("%w: %q lacks extension %s", ErrInvalidName, name, l.Ext)
	}
	return filepath.Join(dir, name), nil
}

// List returns the paths of all library files in the shared directory,
// sorted by name. A missing directory yields an empty list.
func (l *Library) List() ([]string, error) {
	return listDir(l.SharedDir, l.Ext)
}

// ListPersonal is List for the personal directory.
func (l *Library) ListPersonal() ([]string, error) {
	return listDir(l.PersonalDir, l.Ext)
}

func listDir(dir, ext string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !HasExt(e.Name(), ext) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Locate looks for a copy of want, first in the shared directory and then in
// the personal one. Only a size and checksum match counts.
func (l *Library) Locate(want fingerprint.FileFingerprint) Location {
	if p, err := l.resolve(l.SharedDir, want.Name); err == nil && matchesOnDisk(p, want) {
		return InShared
	}
	if l.PersonalDir == "" {
		return NotFound
	}
	if p, err := l.resolve(l.PersonalDir, want.Name); err == nil && matchesOnDisk(p, want) {
		return InPersonal
	}
	return NotFound
}

func matchesOnDisk(path string, want fingerprint.FileFingerprint) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	// Size first: skips hashing for the common mismatch.
	if info.Size() != want.Size {
		return false
	}
	return fingerprint.Matches(fingerprint.Compute(path), want)
}

// Mirror copies name from the personal directory into the shared one.
func (l *Library) Mirror(name string) error {
	src, err := l.resolve(l.PersonalDir, name)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open personal copy: %w", err)
	}
	defer f.Close()

	if err := l.write(name, func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	}); err != nil {
		return fmt.Errorf("mirror %s: %w", name, err)
	}
	l.logger.Info("mirrored personal file", "name", name)
	return nil
}

// Save materializes data under name in the shared directory. A stale file is
// removed first, and content is written to a temporary name and renamed, so
// the final name never holds a partial file.
func (l *Library) Save(name string, data []byte) error {
	return l.write(name, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (l *Library) write(name string, fill func(io.Writer) error) error {
	final, err := l.SharedPath(name)
	if err != nil {
		return err
	}
	if err := l.EnsureDirs(); err != nil {
		return err
	}
	if err := os.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", name, err)
	}

	temp := final + partSuffix
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(temp)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Remove deletes name from the shared directory. Missing files are not an error.
func (l *Library) Remove(name string) error {
	p, err := l.SharedPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Purge removes every named file and returns the first error encountered.
func (l *Library) Purge(names []string) error {
	var first error
	for _, name := range names {
		if err := l.Remove(name); err != nil {
			l.logger.Warn("purge failed", "name", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
