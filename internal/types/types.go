// Package types provides the domain entities shared across the copy/dedup
// engine: media, inodes, paths, and blobs, plus a handful of small generic
// collection helpers used to keep claimed batches grouped and ordered.
package types

import (
	"cmp"
	"slices"
	"time"
)

// FSType tags what kind of filesystem object an Inode represents.
type FSType string

const (
	FSTypeFile     FSType = "f"
	FSTypeDir      FSType = "d"
	FSTypeSymlink  FSType = "l"
	FSTypeSocket   FSType = "s"
	FSTypePipe     FSType = "p"
	FSTypeBlockDev FSType = "b"
	FSTypeCharDev  FSType = "c"
	FSTypeUnknown  FSType = "u"
)

// Status is the processing state of an Inode.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSuccess         Status = "success"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
)

// ErrorKind classifies a failure observed while processing an Inode.
type ErrorKind string

const (
	ErrorKindPath       ErrorKind = "path_error"
	ErrorKindIO         ErrorKind = "io_error"
	ErrorKindPermission ErrorKind = "permission_error"
	ErrorKindHash       ErrorKind = "hash_error"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// Sentinel claimed_by tags that remove a row from the claim pool without
// deleting it. These are not worker identities; they are terminal markers.
const (
	SentinelMaxRetries     = "MAX_RETRIES_EXCEEDED"
	SentinelDiagnosticSkip = "DIAGNOSTIC_SKIP:"
)

// Medium is a unit of ingested storage media.
type Medium struct {
	MediumHash            string // 32-hex-character identity
	Label                 string
	Health                string
	ImagePath             string
	AddedAt               time.Time
	EnumDone              bool
	CopyDone              bool
	Problems              []byte // opaque JSON, owned by the diagnostic service
	StaleClaimTTLOverride *time.Duration
}

// Inode is a row keyed by (MediumHash, Ino) representing one file, directory,
// symlink, or special file observed on one medium.
type Inode struct {
	MediumHash   string
	Ino          uint64
	FSType       FSType
	Size         int64
	MTime        time.Time
	NLink        uint32
	Fingerprint  []byte // nil until a file inode succeeds
	Status       Status
	ErrorType    ErrorKind
	Errors       []string // append-only history
	ClaimedBy    string
	ClaimedAt    *time.Time
	ProcessedAt  *time.Time
	AttemptCount int

	// SymlinkTarget is the raw target bytes recorded at enumeration time for
	// a symlink inode; nil for every other FSType. The materializer passes
	// this through to recreate the symlink unaltered.
	SymlinkTarget []byte

	Paths []Path // attached by the claimant; not a DB column
}

// Path is a filesystem path on a medium pointing to an Inode. Path bytes are
// carried as raw bytes end to end: the loader may record arbitrary byte
// sequences (embedded separators, non-UTF-8 bytes) and the core must not
// mangle them.
type Path struct {
	MediumHash    string
	Ino           uint64
	RawPath       []byte
	ExcludeReason string // empty means "not excluded"
	Fingerprint   []byte // denormalized copy, set at commit time
}

// Excluded reports whether the loader marked this path as excluded from
// materialization (e.g. it matched an ignore pattern).
func (p Path) Excluded() bool { return p.ExcludeReason != "" }

// Blob is a unique content entry in the CAS, keyed by Fingerprint.
type Blob struct {
	Fingerprint         []byte
	NHardlinks          int64 // observed on disk
	ExpectedHardlinks   int64 // sum of referencing paths
	ExternalCopied      bool
	ExternalCopyFailed  bool
	ExternalLastChecked *time.Time
	RemoteCopied        bool
	RemoteCopyFailed    bool
	RemoteLastChecked   *time.Time
}

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type. Once constructed,
// items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
// Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// InodeBatch is a claimed batch of Inodes, sorted by Ino for deterministic
// processing order within one worker (claim order across workers is never
// guaranteed, only within a single claimed batch).
type InodeBatch = Sorted[*Inode, uint64]

// NewInodeBatch sorts claimed inodes by Ino.
func NewInodeBatch(inodes []*Inode) InodeBatch {
	return NewSorted(inodes, func(i *Inode) uint64 { return i.Ino })
}

// FingerprintGroup is a collection of inodes sorted by a string form of
// their fingerprint (e.g. its hex form), so inodes sharing a fingerprint
// sit next to each other. The committer does its own grouping and does
// not use this type.
type FingerprintGroup = Sorted[*Inode, string]

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is
// reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
