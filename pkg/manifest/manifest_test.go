package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sheerbytes/tracksync/internal/fingerprint"
	"github.com/sheerbytes/tracksync/internal/library"
	"github.com/sheerbytes/tracksync/internal/logging"
)

func write(t *testing.T, path string, data string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestBuild_FiltersAndDedups(t *testing.T) {
	dir := t.TempDir()
	a := write(t, filepath.Join(dir, "a.mp3"), "aaa")
	b := write(t, filepath.Join(dir, "B.MP3"), "bb")
	txt := write(t, filepath.Join(dir, "notes.txt"), "x")
	dup := write(t, filepath.Join(dir, "other", "a.mp3"), "different")
	missing := filepath.Join(dir, "missing.mp3")

	m := Build([]string{b, txt, a, missing, dup}, ".mp3", logging.Discard())

	if got, want := m.Names(), []string{"B.MP3", "a.mp3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	e, ok := m.Lookup("a.mp3")
	if !ok {
		t.Fatal("a.mp3 not found")
	}
	if e.Path != a {
		t.Errorf("first occurrence should win, got path %s", e.Path)
	}
	if e.Size != 3 || e.Checksum != fingerprint.ChecksumBytes([]byte("aaa")) {
		t.Errorf("unexpected fingerprint %+v", e.FileFingerprint)
	}
	if m.TotalBytes() != 5 {
		t.Errorf("TotalBytes = %d, want 5", m.TotalBytes())
	}
}

func TestBuild_Deterministic(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		write(t, filepath.Join(dir, "1.mp3"), "one"),
		write(t, filepath.Join(dir, "2.mp3"), "two"),
	}
	m1 := Build(paths, ".mp3", logging.Discard())
	m2 := Build(paths, ".mp3", logging.Discard())
	if !reflect.DeepEqual(m1, m2) {
		t.Errorf("rebuilding from the same candidates changed the manifest")
	}
	if ID(m1) == "" || ID(m1) != ID(m2) {
		t.Errorf("manifest ID not stable: %q vs %q", ID(m1), ID(m2))
	}
	if ID(Manifest{}) != "" {
		t.Errorf("empty manifest should have empty ID")
	}
}

func TestComputeNeeded(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	lib := library.New(filepath.Join(root, "shared"), filepath.Join(root, "personal"), ".mp3", logging.Discard())

	m := Build([]string{
		write(t, filepath.Join(src, "have.mp3"), "same"),
		write(t, filepath.Join(src, "stale.mp3"), "fresh"),
		write(t, filepath.Join(src, "mine.mp3"), "personal"),
		write(t, filepath.Join(src, "new.mp3"), "brand new"),
	}, ".mp3", logging.Discard())

	write(t, filepath.Join(lib.SharedDir, "have.mp3"), "same")
	write(t, filepath.Join(lib.SharedDir, "stale.mp3"), "old")
	write(t, filepath.Join(lib.PersonalDir, "mine.mp3"), "personal")

	needed := ComputeNeeded(m, lib, logging.Discard())
	if want := (NeededSet{"stale.mp3", "new.mp3"}); !reflect.DeepEqual(needed, want) {
		t.Fatalf("needed = %v, want %v", needed, want)
	}
	if !needed.Contains("new.mp3") || needed.Contains("have.mp3") {
		t.Errorf("Contains gave wrong answers for %v", needed)
	}

	got, err := os.ReadFile(filepath.Join(lib.SharedDir, "mine.mp3"))
	if err != nil {
		t.Fatalf("personal file was not mirrored: %v", err)
	}
	if string(got) != "personal" {
		t.Errorf("mirrored content = %q", got)
	}
}

func TestComputeNeeded_AllPresent(t *testing.T) {
	root := t.TempDir()
	lib := library.New(filepath.Join(root, "shared"), "", ".mp3", logging.Discard())
	p := write(t, filepath.Join(lib.SharedDir, "x.mp3"), "x")

	needed := ComputeNeeded(Build([]string{p}, ".mp3", logging.Discard()), lib, logging.Discard())
	if len(needed) != 0 {
		t.Errorf("expected empty needed set, got %v", needed)
	}
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	single := write(t, filepath.Join(dir, "single.mp3"), "s")
	write(t, filepath.Join(dir, "album", "b.mp3"), "b")
	write(t, filepath.Join(dir, "album", "a.mp3"), "a")
	write(t, filepath.Join(dir, "album", "cover.jpg"), "j")
	write(t, filepath.Join(dir, "album", "disc2", "c.mp3"), "c")

	got, err := ExpandPaths([]string{single, filepath.Join(dir, "album")}, ".mp3")
	if err != nil {
		t.Fatalf("ExpandPaths error: %v", err)
	}
	want := []string{
		single,
		filepath.Join(dir, "album", "a.mp3"),
		filepath.Join(dir, "album", "b.mp3"),
		filepath.Join(dir, "album", "disc2", "c.mp3"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandPaths = %v, want %v", got, want)
	}
}

func TestExpandPaths_Errors(t *testing.T) {
	if _, err := ExpandPaths(nil, ".mp3"); err == nil {
		t.Error("expected error for empty input")
	}
	dir := t.TempDir()
	ok := write(t, filepath.Join(dir, "ok.mp3"), "ok")
	got, err := ExpandPaths([]string{ok, filepath.Join(dir, "nope")}, ".mp3")
	if err == nil {
		t.Error("expected error for missing path")
	}
	if len(got) != 1 || got[0] != ok {
		t.Errorf("expected partial result [%s], got %v", ok, got)
	}
}
