package domain

import "errors"

var (
	// ErrSessionMissing signals that no session tokens were presented.
	ErrSessionMissing = errors.New("session: no tokens presented")
	// ErrSessionInvalid indicates a malformed, tampered or unrotatable session.
	ErrSessionInvalid = errors.New("session: invalid token")
	// ErrSessionReuse indicates a refresh token mismatch during rotation,
	// treated as a possible token theft.
	ErrSessionReuse = errors.New("session: refresh token reuse detected")
	// ErrUserNotFound signals a missing user record.
	ErrUserNotFound = errors.New("user not found")
	// ErrBatchNotFound signals a missing batch record.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchUnavailable means every enrolled credential was rejected and
	// the batch cannot currently be served.
	ErrBatchUnavailable = errors.New("batch unavailable: no working credential")
	// ErrSweepInProgress means another reconcile sweep holds the lease.
	ErrSweepInProgress = errors.New("reconcile sweep already in progress")
)
