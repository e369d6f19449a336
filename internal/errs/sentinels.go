// Package errs contains sentinel errors shared by the engine, its stores and
// the transport layer for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates an unknown point id or query hash.
	ErrNotFound = errors.New("not found")

	// ErrLengthMismatch indicates point ids and encrypted distances differ in length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrQueryIncomplete indicates a reveal was requested before the result was stored.
	ErrQueryIncomplete = errors.New("query incomplete")

	// ErrAlreadyRevealed indicates a duplicate reveal request, callback or overwrite.
	ErrAlreadyRevealed = errors.New("already revealed")

	// ErrInvalidRequest indicates a callback for an unknown or consumed request id.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProofVerificationFailed indicates the oracle proof or cleartext did not check out.
	ErrProofVerificationFailed = errors.New("proof verification failed")

	// ErrRevealPending indicates a reveal request is already outstanding for the query.
	ErrRevealPending = errors.New("reveal pending")

	// ErrInvalidArgument indicates malformed input such as a negative radius.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfigMismatch indicates the store was written under a different key,
	// grid or value domain than the one it is being opened with.
	ErrConfigMismatch = errors.New("store configuration mismatch")
)
