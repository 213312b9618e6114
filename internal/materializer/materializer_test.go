//go:build unix

package materializer

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

func TestSafeJoinRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	cases := [][]byte{
		[]byte("../../etc/passwd"),
		[]byte("a/../../b"),
		[]byte(""),
	}
	for _, raw := range cases {
		if _, err := SafeJoin(root, raw); err == nil {
			t.Errorf("SafeJoin(%q) = nil error, want traversal rejection", raw)
		}
	}
}

func TestSafeJoinAcceptsNormalPaths(t *testing.T) {
	root := t.TempDir()
	got, err := SafeJoin(root, []byte("sub/dir/file.txt"))
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	want := filepath.Join(root, "sub/dir/file.txt")
	if got != want {
		t.Errorf("SafeJoin = %q, want %q", got, want)
	}
}

func TestSafeJoinStripsLeadingSlash(t *testing.T) {
	root := t.TempDir()
	got, err := SafeJoin(root, []byte("/abs/path"))
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	want := filepath.Join(root, "abs/path")
	if got != want {
		t.Errorf("SafeJoin = %q, want %q", got, want)
	}
}

func TestMaterializeFileHardlinksFromCAS(t *testing.T) {
	casRoot := t.TempDir()
	srcDir := t.TempDir()
	archiveRoot := t.TempDir()

	store := cas.New(casRoot)
	content := []byte("payload")
	sum := sha256.Sum256(content)
	srcPath := filepath.Join(srcDir, "data")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := store.Commit(srcPath, sum[:]); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	m := New(archiveRoot, store)
	inode := &types.Inode{FSType: types.FSTypeFile, Fingerprint: sum[:]}
	p := types.Path{RawPath: []byte("nested/out.bin")}

	if err := m.Materialize(inode, p, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(archiveRoot, "nested/out.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("materialized content = %q, want %q", got, content)
	}
}

func TestMaterializeDirCreatesDirectory(t *testing.T) {
	archiveRoot := t.TempDir()
	m := New(archiveRoot, cas.New(t.TempDir()))
	inode := &types.Inode{FSType: types.FSTypeDir}
	p := types.Path{RawPath: []byte("a/b/c")}

	if err := m.Materialize(inode, p, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	info, err := os.Stat(filepath.Join(archiveRoot, "a/b/c"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("materialized path is not a directory")
	}
}

func TestMaterializeSymlinkRecreatesTarget(t *testing.T) {
	archiveRoot := t.TempDir()
	m := New(archiveRoot, cas.New(t.TempDir()))
	inode := &types.Inode{FSType: types.FSTypeSymlink}
	p := types.Path{RawPath: []byte("link")}

	if err := m.Materialize(inode, p, []byte("/some/target")); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := os.Readlink(filepath.Join(archiveRoot, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if got != "/some/target" {
		t.Errorf("symlink target = %q, want %q", got, "/some/target")
	}
}

func TestMaterializeFileWithoutFingerprintErrors(t *testing.T) {
	archiveRoot := t.TempDir()
	m := New(archiveRoot, cas.New(t.TempDir()))
	inode := &types.Inode{FSType: types.FSTypeFile}
	p := types.Path{RawPath: []byte("missing")}

	if err := m.Materialize(inode, p, nil); err == nil {
		t.Error("Materialize with nil fingerprint = nil error, want error")
	}
}
