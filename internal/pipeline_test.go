//go:build unix

// Package internal holds tests that exercise the hasher/cas/materializer
// pipeline together, the way the teacher's own top-level integration tests
// exercised its scan/screen/verify/dedupe pipeline end-to-end.
package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/hasher"
	"github.com/vm-wylbur/ntt-copy/internal/materializer"
	"github.com/vm-wylbur/ntt-copy/internal/testfs"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// TestFullPipelineDuplicateContentSharesOneBlob sows two files with
// identical content under one mount, claims them as inodes, runs them
// through the hasher, commits the staged content to the CAS, and
// materializes both into an archive tree — verifying that duplicate
// content lands as two hardlinks to the same CAS blob rather than two
// independent copies.
func TestFullPipelineDuplicateContentSharesOneBlob(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "mount",
				Files: []testfs.File{
					{Path: []string{"a.txt"}, Chunks: []testfs.Chunk{{Pattern: 'D', Size: "4KiB"}}},
					{Path: []string{"sub/b.txt"}, Chunks: []testfs.Chunk{{Pattern: 'D', Size: "4KiB"}}},
				},
			},
		},
	}
	h := testfs.New(t, given)

	mountRoot := filepath.Join(h.Root(), "mount")
	stageDir := filepath.Join(h.Root(), "stage")
	casRoot := filepath.Join(h.Root(), "cas")
	archiveRoot := filepath.Join(h.Root(), "archive")
	for _, dir := range []string{stageDir, casRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	casStore := cas.New(casRoot)
	hs := hasher.New(mountRoot, stageDir, 2)
	t.Cleanup(func() { _ = hs.Close() })

	inodeA := &types.Inode{
		MediumHash: "medium1", Ino: 1, FSType: types.FSTypeFile, Size: 4096,
		Paths: []types.Path{{MediumHash: "medium1", Ino: 1, RawPath: []byte("a.txt")}},
	}
	inodeB := &types.Inode{
		MediumHash: "medium1", Ino: 2, FSType: types.FSTypeFile, Size: 4096,
		Paths: []types.Path{{MediumHash: "medium1", Ino: 2, RawPath: []byte("sub/b.txt")}},
	}
	batch := types.NewInodeBatch([]*types.Inode{inodeA, inodeB})

	results := hs.HashBatch(batch)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	m := materializer.New(archiveRoot, casStore)
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("hash inode %d: %v", res.Inode.Ino, res.Err)
		}
		if _, _, err := casStore.Commit(res.StagedPath, res.Fingerprint); err != nil {
			t.Fatalf("commit inode %d: %v", res.Inode.Ino, err)
		}
		res.Inode.Fingerprint = res.Fingerprint
		if err := m.Materialize(res.Inode, res.UsedPath, nil); err != nil {
			t.Fatalf("materialize inode %d: %v", res.Inode.Ino, err)
		}
	}

	then := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "archive",
				Files: []testfs.File{
					{Path: []string{"a.txt", "sub/b.txt"}},
				},
			},
		},
	}
	h.Assert(then)
}
