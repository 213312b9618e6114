//go:build unix

// Package cas implements the content-addressable store: a two-level
// hex fan-out tree (by-hash/aa/bb/<hex>) under the CAS root, written
// with a stage-to-temp-then-rename no-clobber protocol so concurrent
// workers racing to commit the same content never corrupt each other.
package cas

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrArchiveCollision is returned by Link when dest already exists and is
// not already the same CAS blob: an unrelated file occupies the archive
// path this inode would materialize to, per spec.md §4.4's requirement
// that such a collision be recorded as an error on that specific path,
// never silently overwritten.
var ErrArchiveCollision = errors.New("archive path collision")

// renameNoReplace renames oldpath to newpath, failing with syscall.EEXIST
// if newpath already exists instead of silently clobbering it. os.Rename
// on Linux is always a clobbering rename; RENAME_NOREPLACE is the only
// no-clobber primitive available.
func renameNoReplace(oldpath, newpath string) error {
	return unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
}

// sameFile reports whether a and b are the same on-disk inode (same
// device and inode number), used to tell "already correctly linked" apart
// from "unrelated file occupies this path".
func sameFile(a, b string) (bool, error) {
	infoA, err := os.Lstat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Lstat(b)
	if err != nil {
		return false, err
	}
	statA, ok := infoA.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("cannot read syscall.Stat_t for %s", a)
	}
	statB, ok := infoB.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("cannot read syscall.Stat_t for %s", b)
	}
	return statA.Dev == statB.Dev && statA.Ino == statB.Ino, nil
}

// Store writes and locates blobs under a CAS root.
type Store struct {
	root string
}

// New returns a Store rooted at root. root must already exist.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the CAS root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the on-disk path for a fingerprint, without creating
// any directories or checking existence.
func (s *Store) PathFor(fingerprint []byte) string {
	hexDigest := hex.EncodeToString(fingerprint)
	if len(hexDigest) < 4 {
		// Degenerate fingerprint (e.g. in tests); fall back to a flat layout
		// rather than index out of range.
		return filepath.Join(s.root, "by-hash", hexDigest)
	}
	return filepath.Join(s.root, "by-hash", hexDigest[0:2], hexDigest[2:4], hexDigest)
}

// Exists reports whether a blob for fingerprint is already committed.
func (s *Store) Exists(fingerprint []byte) (bool, error) {
	_, err := os.Lstat(s.PathFor(fingerprint))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Commit copies the content at sourcePath into the CAS under fingerprint,
// staging into a uniquely-named temp file in the destination's own
// fan-out directory (so the final rename is same-filesystem) and
// renaming into place. If the destination already exists, Commit treats
// that as success without re-copying: the fingerprint guarantees the
// existing blob is byte-identical. Returns the number of bytes copied
// (0 if the blob already existed) and the final CAS path.
func (s *Store) Commit(sourcePath string, fingerprint []byte) (path string, written int64, err error) {
	dest := s.PathFor(fingerprint)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir cas fanout %s: %w", dir, err)
	}

	if exists, err := s.Exists(fingerprint); err != nil {
		return "", 0, err
	} else if exists {
		return dest, 0, nil
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dest)+".tmp."+uuid.NewString())
	written, err = stageFile(sourcePath, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}

	if err := renameNoReplace(tmp, dest); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			// Lost the race to another worker committing the same content;
			// the destination is byte-identical by construction of fingerprint.
			_ = os.Remove(tmp)
			return dest, 0, nil
		}
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("rename into cas: %w", err)
	}
	// Staged file is world-unwritable content; harden permissions after
	// the rename settles so a concurrent reader never sees a writable
	// half-committed blob.
	if err := os.Chmod(dest, 0o444); err != nil {
		return dest, written, fmt.Errorf("chmod committed blob: %w", err)
	}
	return dest, written, nil
}

func stageFile(sourcePath, tmpPath string) (int64, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy into staging file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return n, fmt.Errorf("sync staging file: %w", err)
	}
	return n, nil
}

// Link hardlinks dest to the CAS blob for fingerprint, using the same
// stage-to-temp-then-rename no-clobber protocol as Commit so a partially
// materialized path is never visible at dest.
func (s *Store) Link(fingerprint []byte, dest string) error {
	src := s.PathFor(fingerprint)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir archive parent %s: %w", filepath.Dir(dest), err)
	}

	tmp := dest + ".tmp." + uuid.NewString()
	if err := os.Link(src, tmp); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			// Unlike a dedup tool walking arbitrary user directories, this
			// store's cas_root and archive_root are both operator-supplied
			// configuration; a real file copy is in no way interchangeable
			// with a symlink for chain-of-custody purposes, so there is no
			// fallback here — EXDEV means cas_root and archive_root were
			// configured on different filesystems and must be fixed.
			return fmt.Errorf("link from cas: %s and %s are on different filesystems, cas_root and archive_root must share one: %w", s.root, filepath.Dir(dest), err)
		}
		return fmt.Errorf("link from cas: %w", err)
	}
	if err := renameNoReplace(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, syscall.EEXIST) || errors.Is(err, os.ErrExist) {
			same, sameErr := sameFile(src, dest)
			if sameErr != nil {
				return fmt.Errorf("stat existing archive path %s: %w", dest, sameErr)
			}
			if same {
				// dest is already hardlinked to this blob, nothing to do.
				return nil
			}
			return fmt.Errorf("%w: %s already exists and is not linked to this blob", ErrArchiveCollision, dest)
		}
		return fmt.Errorf("rename into archive: %w", err)
	}
	return nil
}

// NLinks reports the current hardlink count for a committed blob, used
// to reconcile Blob.NHardlinks against Blob.ExpectedHardlinks.
func (s *Store) NLinks(fingerprint []byte) (int64, error) {
	info, err := os.Lstat(s.PathFor(fingerprint))
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("cannot read syscall.Stat_t for %s", s.PathFor(fingerprint))
	}
	return int64(stat.Nlink), nil
}
