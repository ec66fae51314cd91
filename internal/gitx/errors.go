package gitx

import "errors"

// Common errors returned by git plumbing operations. Check with errors.Is.
var (
	// ErrNotARepo is returned when the directory is not inside a git
	// repository.
	ErrNotARepo = errors.New("not a git repository")

	// ErrGitNotAvailable is returned when the git binary is not in PATH.
	ErrGitNotAvailable = errors.New("git binary not available")

	// ErrRefNotFound is returned when a reference does not exist.
	ErrRefNotFound = errors.New("reference not found")

	// ErrPushRejected is returned when the remote rejects a push as
	// non-fast-forward: another writer updated the branch first. This is
	// the cross-process compare-and-swap failing, and it is retryable
	// after a re-fetch and re-merge.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrStaleRef is returned when an atomic ref update loses the local
	// compare-and-swap: the ref moved since it was read.
	ErrStaleRef = errors.New("ref changed concurrently")

	// ErrNoRemote is returned when an operation requires a remote but
	// none is configured.
	ErrNoRemote = errors.New("no remote configured")
)

// IsRetryable reports whether the error is likely to succeed after a
// re-fetch and re-merge. Used by the sync retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPushRejected) || errors.Is(err, ErrStaleRef)
}
