//go:build unix

// Package hasher reads an inode's content once, computing its SHA-256
// fingerprint while simultaneously staging the bytes to a temp file the
// CAS writer can commit without a second read. A bounded worker pool,
// carried from the teacher's verifier job pool, hashes a claimed batch's
// inodes concurrently while each individual read stays single-pass and
// single-writer.
package hasher

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/vm-wylbur/ntt-copy/internal/cache"
	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/classify"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// blockSize is the buffered I/O chunk size used while hashing.
const blockSize = 1 << 20 // 1 MiB

// Result is the outcome of hashing one inode.
type Result struct {
	Inode       *types.Inode
	Fingerprint []byte
	StagedPath  string // temp file holding the read bytes, ready for cas.Store.Commit
	UsedPath    types.Path
	Err         error
	ErrKind     types.ErrorKind
}

// Hasher reads and fingerprints inodes, staging their content for the CAS.
type Hasher struct {
	mountRoot string // medium's mount point; Path.RawPath is relative to this
	stageDir  string // scratch directory for staged content, same filesystem as cas_root
	workers   int

	cache *cache.Cache // optional resumption cache; nil disables the lookup
	cas   *cas.Store   // optional; used to confirm a cached fingerprint's blob still exists
}

// New returns a Hasher that resolves paths under mountRoot and stages
// read content into stageDir (which should live on the same filesystem
// as the CAS root so the writer's later rename is local).
func New(mountRoot, stageDir string, workers int) *Hasher {
	return &Hasher{mountRoot: mountRoot, stageDir: stageDir, workers: workers}
}

// WithResumption enables the resumption fast path: before reading an
// inode's content, hashOne checks c for a fingerprint already computed in
// a prior (possibly crashed) run, and skips the read entirely if store
// confirms the corresponding blob is already committed.
func (h *Hasher) WithResumption(c *cache.Cache, store *cas.Store) *Hasher {
	h.cache = c
	h.cas = store
	return h
}

// Close flushes the resumption cache, if one was attached, swapping its
// on-disk file into place for the next run to read from.
func (h *Hasher) Close() error {
	if h.cache == nil {
		return nil
	}
	return h.cache.Close()
}

// HashBatch hashes every file inode in batch concurrently, bounded by
// h.workers. Non-file inodes (dirs, symlinks, specials) are skipped; the
// caller is responsible for routing them directly to the materializer.
func (h *Hasher) HashBatch(batch types.InodeBatch) []Result {
	inodes := batch.Items()
	results := make([]Result, len(inodes))
	sem := types.NewSemaphore(h.workers)
	var wg sync.WaitGroup

	for i, inode := range inodes {
		if inode.FSType != types.FSTypeFile {
			results[i] = Result{Inode: inode}
			continue
		}
		wg.Add(1)
		go func(i int, inode *types.Inode) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()
			results[i] = h.hashOne(inode)
		}(i, inode)
	}
	wg.Wait()
	return results
}

// hashOne reads inode's content through its usable paths (skipping
// excluded ones), trying alternates on path_error per spec.md §7's "MAY
// attempt alternate paths... since different hardlinks may be reachable
// while one is damaged."
func (h *Hasher) hashOne(inode *types.Inode) Result {
	candidates := usablePaths(inode)

	if fp, ok := h.lookupResumable(inode); ok && len(candidates) > 0 {
		return Result{Inode: inode, Fingerprint: fp, UsedPath: candidates[0]}
	}

	var lastErr error
	var lastKind types.ErrorKind

	for _, p := range candidates {
		fingerprint, staged, err := h.readAndHash(inode, p)
		if err == nil {
			if h.cache != nil {
				_ = h.cache.Store(inode.MediumHash, inode.Ino, inode.Size, inode.MTime, fingerprint)
			}
			return Result{Inode: inode, Fingerprint: fingerprint, StagedPath: staged, UsedPath: p}
		}
		lastErr = err
		lastKind = classify.Kind(err)
		if lastKind != types.ErrorKindPath {
			// Only path_error is worth trying another hardlink for; any
			// other kind will fail identically on every path.
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("inode has no usable path")
		lastKind = types.ErrorKindPath
	}
	return Result{Inode: inode, Err: lastErr, ErrKind: lastKind}
}

// lookupResumable reports a cached fingerprint for inode, but only if its
// blob is confirmed still committed to the CAS — a cache entry surviving
// a run in which the CAS root itself was wiped must not short-circuit a
// read that would otherwise have staged the content.
func (h *Hasher) lookupResumable(inode *types.Inode) ([]byte, bool) {
	if h.cache == nil || h.cas == nil {
		return nil, false
	}
	fp, err := h.cache.Lookup(inode.MediumHash, inode.Ino, inode.Size, inode.MTime)
	if err != nil || fp == nil {
		return nil, false
	}
	exists, err := h.cas.Exists(fp)
	if err != nil || !exists {
		return nil, false
	}
	return fp, true
}

// usablePaths returns inode.Paths with excluded ones filtered out.
func usablePaths(inode *types.Inode) []types.Path {
	var out []types.Path
	for _, p := range inode.Paths {
		if !p.Excluded() {
			out = append(out, p)
		}
	}
	return out
}

// readAndHash reads the file at p under the medium's mount root exactly
// once, computing its SHA-256 fingerprint while tee-ing the bytes to a
// staging file. Returns classify.ShortRead (classified as io_error) if the
// number of bytes read differs from inode.Size, fewer or more.
func (h *Hasher) readAndHash(inode *types.Inode, p types.Path) (fingerprint []byte, stagedPath string, err error) {
	srcPath := filepath.Join(h.mountRoot, string(p.RawPath))

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, "", err
	}
	defer src.Close()

	if err := os.MkdirAll(h.stageDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("mkdir stage dir: %w", err)
	}
	staged := filepath.Join(h.stageDir, uuid.NewString())
	dst, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create staging file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	w := io.MultiWriter(hasher, dst)

	buf := make([]byte, blockSize)
	n, err := io.CopyBuffer(w, src, buf)
	if err != nil {
		_ = os.Remove(staged)
		return nil, "", err
	}
	if n != inode.Size {
		_ = os.Remove(staged)
		return nil, "", &classify.ShortRead{Expected: inode.Size, Got: n}
	}

	return hasher.Sum(nil), staged, nil
}
