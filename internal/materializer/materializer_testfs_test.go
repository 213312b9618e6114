//go:build unix

package materializer

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/testfs"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// TestMaterializePlacesContentHardlinkedToCAS sows a source tree under one
// volume, runs the CAS commit + materialize steps by hand (standing in for
// the hasher/supervisor that would normally drive them), and asserts the
// resulting archive tree against a second volume via testfs's FileTree
// assertions — the same sow/assert harness the teacher built for its own
// dedupe pipeline, now exercising this domain's hardlink-to-CAS-blob path.
func TestMaterializePlacesContentHardlinkedToCAS(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "mount",
				Files: []testfs.File{
					{Path: []string{"docs/report.txt"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "16KiB"}}},
				},
			},
		},
	}
	h := testfs.New(t, given)

	casRoot := filepath.Join(h.Root(), "cas")
	if err := os.MkdirAll(casRoot, 0o755); err != nil {
		t.Fatalf("mkdir cas root: %v", err)
	}
	casStore := cas.New(casRoot)

	srcPath := filepath.Join(h.Root(), "mount", "docs", "report.txt")
	content, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	sum := sha256.Sum256(content)
	fingerprint := sum[:]

	if _, _, err := casStore.Commit(srcPath, fingerprint); err != nil {
		t.Fatalf("cas.Commit: %v", err)
	}

	archiveRoot := filepath.Join(h.Root(), "archive")
	m := New(archiveRoot, casStore)
	inode := &types.Inode{FSType: types.FSTypeFile, Fingerprint: fingerprint}
	destPath := types.Path{RawPath: []byte("docs/report.txt")}

	if err := m.Materialize(inode, destPath, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	then := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "archive",
				Files: []testfs.File{
					{Path: []string{"docs/report.txt"}},
				},
			},
		},
	}
	h.Assert(then)
}
