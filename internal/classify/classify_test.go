package classify

import (
	"errors"
	"io/fs"
	"syscall"
	"testing"

	"github.com/vm-wylbur/ntt-copy/internal/types"
)

func TestKindMapsNotExistToPathError(t *testing.T) {
	if got := Kind(fs.ErrNotExist); got != types.ErrorKindPath {
		t.Errorf("Kind(ErrNotExist) = %v, want %v", got, types.ErrorKindPath)
	}
}

func TestKindMapsPermissionToPermissionError(t *testing.T) {
	if got := Kind(fs.ErrPermission); got != types.ErrorKindPermission {
		t.Errorf("Kind(ErrPermission) = %v, want %v", got, types.ErrorKindPermission)
	}
	if got := Kind(syscall.EACCES); got != types.ErrorKindPermission {
		t.Errorf("Kind(EACCES) = %v, want %v", got, types.ErrorKindPermission)
	}
}

func TestKindMapsEIOToIOError(t *testing.T) {
	if got := Kind(syscall.EIO); got != types.ErrorKindIO {
		t.Errorf("Kind(EIO) = %v, want %v", got, types.ErrorKindIO)
	}
}

func TestKindMapsShortReadToIOError(t *testing.T) {
	err := &ShortRead{Expected: 100, Got: 80}
	if got := Kind(err); got != types.ErrorKindIO {
		t.Errorf("Kind(ShortRead) = %v, want %v", got, types.ErrorKindIO)
	}
}

func TestKindMapsWrappedHashErrorToHashError(t *testing.T) {
	err := WrapHashError(errors.New("digest mismatch"))
	if got := Kind(err); got != types.ErrorKindHash {
		t.Errorf("Kind(hashError) = %v, want %v", got, types.ErrorKindHash)
	}
}

func TestKindDefaultsToUnknown(t *testing.T) {
	if got := Kind(errors.New("something else")); got != types.ErrorKindUnknown {
		t.Errorf("Kind(generic) = %v, want %v", got, types.ErrorKindUnknown)
	}
}

func TestClassifyFailsPermanentAtBudget(t *testing.T) {
	got := Classify(errors.New("x"), types.ErrorKindIO, 50, 50, false)
	if got != FailPermanent {
		t.Errorf("Classify at budget = %v, want FailPermanent", got)
	}
}

func TestClassifyRetriesNowOnFirstPathErrorWithAlternate(t *testing.T) {
	got := Classify(fs.ErrNotExist, types.ErrorKindPath, 1, 50, true)
	if got != RetryNow {
		t.Errorf("Classify first path_error with alternate = %v, want RetryNow", got)
	}
}

func TestClassifyRetriesLaterWhenNoAlternatePath(t *testing.T) {
	got := Classify(fs.ErrNotExist, types.ErrorKindPath, 1, 50, false)
	if got != RetryLater {
		t.Errorf("Classify path_error without alternate = %v, want RetryLater", got)
	}
}

func TestClassifyRetriesLaterBelowBudget(t *testing.T) {
	got := Classify(errors.New("x"), types.ErrorKindIO, 10, 50, false)
	if got != RetryLater {
		t.Errorf("Classify below budget = %v, want RetryLater", got)
	}
}

func TestIsBeyondEOFDetectsShortfall(t *testing.T) {
	err := &ShortRead{Expected: 100, Got: 80}
	if !IsBeyondEOF(err) {
		t.Error("IsBeyondEOF = false, want true for short read")
	}
}

func TestIsBeyondEOFFalseForOtherErrors(t *testing.T) {
	if IsBeyondEOF(errors.New("unrelated")) {
		t.Error("IsBeyondEOF = true, want false for unrelated error")
	}
}
