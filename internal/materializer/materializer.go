//go:build unix

// Package materializer places an inode's archive-tree path(s) on disk:
// hardlinking regular files to their CAS blob, recreating directories,
// and recreating symlinks; special files are not handled. Path bytes are carried as
// raw []byte end to end and only converted to string at the narrow
// syscall/os boundary, so non-UTF-8 byte sequences survive unmangled.
package materializer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// Materializer places archive-tree entries for inodes committed to the CAS.
type Materializer struct {
	archiveRoot string
	store       *cas.Store
}

// New returns a Materializer rooted at archiveRoot, linking into store.
func New(archiveRoot string, store *cas.Store) *Materializer {
	return &Materializer{archiveRoot: archiveRoot, store: store}
}

// ErrPathTraversal is returned when a raw path escapes the archive root.
var ErrPathTraversal = errors.New("path escapes archive root")

// SafeJoin joins rawPath onto root, rejecting any result that would
// resolve outside root: absolute paths, and any segment of `..` that
// would step above root once lexically cleaned.
func SafeJoin(root string, rawPath []byte) (string, error) {
	if len(rawPath) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	// Strip every leading separator so callers can pass either
	// medium-relative or absolute-looking raw paths; we never trust an
	// absolute path to mean "escape the archive root".
	p := rawPath
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	joined := filepath.Join(root, string(p))
	cleanedRoot := filepath.Clean(root)
	if joined != cleanedRoot && !isWithin(cleanedRoot, joined) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rawPath)
	}
	return joined, nil
}

func isWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !bytes.HasPrefix([]byte(rel), []byte("../"))
}

// Materialize places one Path for inode on disk according to inode.FSType.
// For regular files it hardlinks dest to the CAS blob for inode's
// fingerprint (the caller must have already committed the blob). For
// directories it creates the directory. For symlinks, target is the raw
// symlink target bytes recorded at enumeration time. Special files (sockets, pipes,
// device nodes) are recorded in the database but never recreated on disk;
// callers should not invoke Materialize for those FSTypes.
func (m *Materializer) Materialize(inode *types.Inode, p types.Path, symlinkTarget []byte) error {
	dest, err := SafeJoin(m.archiveRoot, p.RawPath)
	if err != nil {
		return err
	}

	switch inode.FSType {
	case types.FSTypeFile:
		if inode.Fingerprint == nil {
			return fmt.Errorf("materialize %s: inode has no fingerprint", dest)
		}
		return m.store.Link(inode.Fingerprint, dest)
	case types.FSTypeDir:
		return os.MkdirAll(dest, 0o755)
	case types.FSTypeSymlink:
		return m.createSymlink(symlinkTarget, dest)
	default:
		return fmt.Errorf("materialize %s: unsupported fs type %q", dest, inode.FSType)
	}
}

// createSymlink recreates a symlink atomically via stage-to-temp-then-
// rename, so a partially materialized symlink is never visible at dest.
// Unlike the CAS writer this rename is not no-clobber: an existing entry
// at dest is replaced.
func (m *Materializer) createSymlink(target []byte, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir archive parent: %w", err)
	}

	tmp := dest + ".tmp." + uuid.NewString()
	if err := syscall.Symlink(string(target), tmp); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename symlink into place: %w", err)
	}
	return nil
}
