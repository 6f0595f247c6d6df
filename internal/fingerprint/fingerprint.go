// Package fingerprint computes the (size, CRC-32) pair used to decide whether
// two copies of a file hold the same content.
package fingerprint

import (
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/sheerbytes/tracksync/internal/bufpool"
)

// FileFingerprint identifies a file's content by name, size and checksum.
// Unreadable is local only and never travels on the wire.
type FileFingerprint struct {
	Name       string
	Size       int64
	Checksum   int32
	Unreadable bool
}

// Compute fingerprints the file at path. The name is the path's base name.
// A file that cannot be read is marked Unreadable and never matches.
func Compute(path string) FileFingerprint {
	fp := FileFingerprint{Name: filepath.Base(path)}
	info, err := os.Stat(path)
	if err != nil {
		fp.Unreadable = true
		return fp
	}
	fp.Size = info.Size()
	sum, err := FileChecksum(path)
	if err != nil {
		fp.Unreadable = true
		return fp
	}
	fp.Checksum = sum
	return fp
}

// FileChecksum returns the CRC-32/IEEE of the file at path, read in
// BlockSize blocks.
func FileChecksum(path string) (int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ChecksumReader(f)
}

// ChecksumReader folds r into a CRC-32/IEEE until EOF.
func ChecksumReader(r io.Reader) (int32, error) {
	pool := bufpool.Blocks()
	buf := pool.Get()
	defer pool.Put(buf)

	var crc uint32
	for {
		n, err := r.Read(buf)
		if n > 0 {
			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return int32(crc), nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// ChecksumBytes returns the checksum of an in-memory buffer.
func ChecksumBytes(b []byte) int32 {
	return int32(crc32.ChecksumIEEE(b))
}

// Matches reports whether a and b describe the same content. An empty file
// has checksum 0 and matches another empty file.
func Matches(a, b FileFingerprint) bool {
	if a.Unreadable || b.Unreadable {
		return false
	}
	return a.Size == b.Size && a.Checksum == b.Checksum
}
