package manifest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/sheerbytes/tracksync/internal/fingerprint"
	"github.com/sheerbytes/tracksync/internal/library"
)

// Entry is one manifest line. Path is only known on the sending side.
type Entry struct {
	fingerprint.FileFingerprint
	Path string
}

// Manifest is the ordered list of files a sender offers on one connection.
type Manifest struct {
	Entries []Entry
}

// NeededSet is the ordered list of names a receiver still has to download.
type NeededSet []string

// Contains reports whether name is in the set.
func (n NeededSet) Contains(name string) bool {
	for _, v := range n {
		if v == name {
			return true
		}
	}
	return false
}

// Names returns the entry names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		names[i] = e.Name
	}
	return names
}

// Lookup returns the entry called name.
func (m Manifest) Lookup(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// TotalBytes is the sum of all entry sizes.
func (m Manifest) TotalBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// Build fingerprints candidates in order. Files without the extension are
// skipped silently; missing or unreadable files are skipped with a warning.
// The first candidate with a given base name wins.
func Build(candidates []string, ext string, logger *slog.Logger) Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	m := Manifest{Entries: make([]Entry, 0, len(candidates))}
	seen := make(map[string]struct{}, len(candidates))
	for _, path := range candidates {
		if !library.HasExt(path, ext) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			logger.Warn("skipping candidate", "path", path, "error", err)
			continue
		}
		name := filepath.Base(path)
		if _, dup := seen[name]; dup {
			logger.Debug("duplicate candidate name", "name", name, "path", path)
			continue
		}
		fp := fingerprint.Compute(path)
		if fp.Unreadable {
			logger.Warn("skipping unreadable candidate", "path", path)
			continue
		}
		seen[name] = struct{}{}
		m.Entries = append(m.Entries, Entry{FileFingerprint: fp, Path: path})
	}
	return m
}

// ComputeNeeded returns the entries the receiver lacks. An entry present only
// in the personal library is mirrored into the shared library; a failed mirror
// is logged and the entry still counts as present.
func ComputeNeeded(m Manifest, lib *library.Library, logger *slog.Logger) NeededSet {
	if logger == nil {
		logger = slog.Default()
	}
	needed := make(NeededSet, 0, len(m.Entries))
	for _, e := range m.Entries {
		if !lib.Allowed(e.Name) {
			logger.Warn("manifest entry with foreign extension ignored", "name", e.Name)
			continue
		}
		switch lib.Locate(e.FileFingerprint) {
		case library.InShared:
			logger.Debug("already present", "name", e.Name)
		case library.InPersonal:
			if err := lib.Mirror(e.Name); err != nil {
				logger.Warn("mirror from personal library failed", "name", e.Name, "error", err)
			}
		default:
			needed = append(needed, e.Name)
		}
	}
	return needed
}

// ExpandPaths turns a mix of file and directory paths into a candidate list.
// Directories are walked recursively and only files with ext are kept, in
// lexical order per directory. Inaccessible paths are reported together.
func ExpandPaths(paths []string, ext string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths provided")
	}

	var (
		out        []string
		scanErrors []error
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				scanErrors = append(scanErrors, fmt.Errorf("path does not exist: %s", path))
				continue
			}
			scanErrors = append(scanErrors, fmt.Errorf("cannot access path %s: %w", path, err))
			continue
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				scanErrors = append(scanErrors, fmt.Errorf("cannot read %s: %w", walkPath, err))
				if d == nil || !d.IsDir() {
					return nil
				}
				return fs.SkipDir
			}
			if !d.IsDir() && library.HasExt(d.Name(), ext) {
				found = append(found, walkPath)
			}
			return nil
		})
		if err != nil {
			scanErrors = append(scanErrors, fmt.Errorf("error walking directory %s: %w", path, err))
		}
		sort.Strings(found)
		out = append(out, found...)
	}

	if len(scanErrors) > 0 {
		return out, fmt.Errorf("expand completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return out, nil
}

// ID generates a stable 16-character hex ID for a manifest, used to correlate
// log lines across both peers.
// Uses FNV-1a 64-bit over every entry's name, size and checksum.
func ID(m Manifest) string {
	if len(m.Entries) == 0 {
		return ""
	}
	h := fnv.New64a()
	var num [8]byte
	for _, e := range m.Entries {
		h.Write([]byte(e.Name))
		h.Write([]byte("|"))
		binary.BigEndian.PutUint64(num[:], uint64(e.Size))
		h.Write(num[:])
		binary.BigEndian.PutUint32(num[:4], uint32(e.Checksum))
		h.Write(num[:4])
	}
	return hex.EncodeToString(h.Sum(nil))
}
