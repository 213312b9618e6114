// Package classify maps filesystem and hashing errors onto the engine's
// error taxonomy and decides what the claim loop should do next: retry
// immediately, retry later, or give up permanently.
package classify

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// Decision tells the claim loop what to do after a failed attempt.
type Decision string

const (
	// RetryNow means an in-process alternative (e.g. a different path to
	// the same inode) should be tried before giving up on this attempt.
	RetryNow Decision = "retry_now"
	// RetryLater means release the claim, bump attempt_count, and let a
	// future claim pick the inode back up.
	RetryLater Decision = "retry_later"
	// FailPermanent means stop retrying; the row is parked terminally.
	FailPermanent Decision = "fail_permanent"
)

// ShortRead records that a read returned fewer bytes than Inode.Size
// expected, which is how BEYOND_EOF is detected upstream in the hasher.
type ShortRead struct {
	Expected int64
	Got      int64
}

func (e *ShortRead) Error() string {
	return "short read: expected more bytes than the medium could supply"
}

// Kind classifies err into one of the engine's error kinds (spec.md §7):
// path-not-found → path_error, permission denied → permission_error,
// hardware/short-read → io_error, errors wrapped by WrapHashError →
// hash_error, anything else → unknown.
func Kind(err error) types.ErrorKind {
	switch {
	case err == nil:
		return types.ErrorKindUnknown
	case errors.Is(err, fs.ErrNotExist):
		return types.ErrorKindPath
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return types.ErrorKindPermission
	case errors.Is(err, syscall.EIO):
		return types.ErrorKindIO
	case errors.As(err, new(*ShortRead)):
		return types.ErrorKindIO
	case errors.Is(err, errHashInternal):
		return types.ErrorKindHash
	default:
		return types.ErrorKindUnknown
	}
}

// errHashInternal is the sentinel wrapped by hasher errors that originate
// from the digest computation itself rather than from I/O.
var errHashInternal = errors.New("hash computation failed")

// WrapHashError wraps err so Kind classifies it as hash_error.
func WrapHashError(err error) error {
	return &hashError{cause: err}
}

type hashError struct{ cause error }

func (e *hashError) Error() string { return "hash error: " + e.cause.Error() }
func (e *hashError) Unwrap() error { return e.cause }
func (e *hashError) Is(target error) bool {
	return target == errHashInternal
}

// Classify decides what to do after attempt (1-indexed) failed with err,
// given a retry budget of maxRetries.
//
//   - path_error on an Inode with more than one Path gets RetryNow once
//     (try another path) before falling back to RetryLater.
//   - Any kind gets RetryLater while attempt < maxRetries.
//   - At or beyond maxRetries, FailPermanent.
func Classify(err error, kind types.ErrorKind, attempt, maxRetries int, hasAlternatePath bool) Decision {
	if attempt >= maxRetries {
		return FailPermanent
	}
	if kind == types.ErrorKindPath && hasAlternatePath && attempt == 1 {
		return RetryNow
	}
	return RetryLater
}

// IsBeyondEOF reports whether err represents the BEYOND_EOF condition: a
// ShortRead that delivered fewer bytes than expected. It looks at this one
// error only; shortfalls are not compared across attempts.
func IsBeyondEOF(err error) bool {
	var sr *ShortRead
	return errors.As(err, &sr) && sr.Got < sr.Expected
}
