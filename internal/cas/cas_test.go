//go:build unix

package cas

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestPathForUsesTwoLevelFanout(t *testing.T) {
	s := New("/cas")
	sum := sha256.Sum256([]byte("hello"))
	p := s.PathFor(sum[:])

	want := filepath.Join("/cas", "by-hash", "2c", "f2", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if p != want {
		t.Errorf("PathFor = %q, want %q", p, want)
	}
}

func TestCommitWritesAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	store := New(root)

	content := []byte("some file content")
	sum := sha256.Sum256(content)
	srcPath := writeTemp(t, src, "data", content)

	dest, n, err := store.Commit(srcPath, sum[:])
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("written = %d, want %d", n, len(content))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile committed blob: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("committed content = %q, want %q", got, content)
	}

	// Second commit of identical content is a no-op, not an error.
	dest2, n2, err := store.Commit(srcPath, sum[:])
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if dest2 != dest {
		t.Errorf("second Commit dest = %q, want %q", dest2, dest)
	}
	if n2 != 0 {
		t.Errorf("second Commit written = %d, want 0 (already existed)", n2)
	}
}

func TestExistsReflectsCommitState(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	store := New(root)

	content := []byte("abc")
	sum := sha256.Sum256(content)

	exists, err := store.Exists(sum[:])
	if err != nil {
		t.Fatalf("Exists before commit: %v", err)
	}
	if exists {
		t.Error("Exists = true before any commit")
	}

	srcPath := writeTemp(t, src, "data", content)
	if _, _, err := store.Commit(srcPath, sum[:]); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	exists, err = store.Exists(sum[:])
	if err != nil {
		t.Fatalf("Exists after commit: %v", err)
	}
	if !exists {
		t.Error("Exists = false after commit")
	}
}

func TestLinkCreatesHardlinkToBlob(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	archive := t.TempDir()
	store := New(root)

	content := []byte("linked content")
	sum := sha256.Sum256(content)
	srcPath := writeTemp(t, src, "data", content)

	if _, _, err := store.Commit(srcPath, sum[:]); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dest := filepath.Join(archive, "nested", "dir", "file.bin")
	if err := store.Link(sum[:], dest); err != nil {
		t.Fatalf("Link: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile linked path: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("linked content = %q, want %q", got, content)
	}

	n, err := store.NLinks(sum[:])
	if err != nil {
		t.Fatalf("NLinks: %v", err)
	}
	if n != 2 {
		t.Errorf("NLinks = %d, want 2", n)
	}
}

func TestLinkIsIdempotentWhenDestAlreadyExists(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	archive := t.TempDir()
	store := New(root)

	content := []byte("idempotent link")
	sum := sha256.Sum256(content)
	srcPath := writeTemp(t, src, "data", content)
	if _, _, err := store.Commit(srcPath, sum[:]); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dest := filepath.Join(archive, "file.bin")
	if err := store.Link(sum[:], dest); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if err := store.Link(sum[:], dest); err != nil {
		t.Fatalf("second Link should be idempotent, got: %v", err)
	}
}

func TestLinkRefusesToClobberUnrelatedFile(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	archive := t.TempDir()
	store := New(root)

	content := []byte("the real content")
	sum := sha256.Sum256(content)
	srcPath := writeTemp(t, src, "data", content)
	if _, _, err := store.Commit(srcPath, sum[:]); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dest := filepath.Join(archive, "file.bin")
	unrelated := []byte("something else entirely")
	if err := os.WriteFile(dest, unrelated, 0o644); err != nil {
		t.Fatalf("seed unrelated file: %v", err)
	}

	err := store.Link(sum[:], dest)
	if !errors.Is(err, ErrArchiveCollision) {
		t.Fatalf("Link error = %v, want ErrArchiveCollision", err)
	}

	got, readErr := os.ReadFile(dest)
	if readErr != nil {
		t.Fatalf("ReadFile after refused Link: %v", readErr)
	}
	if string(got) != string(unrelated) {
		t.Error("Link must not have overwritten the unrelated file")
	}
}
