package core

import "errors"

var (
	// ErrNotFound is returned when a document, revision or presence record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRevisionMismatch is returned by a guarded answer write when the
	// offer moved between the read and the write.
	ErrRevisionMismatch = errors.New("offer revision mismatch")

	// ErrPermission marks a store operation the caller is not allowed to
	// perform. A permission failure on the description side channel degrades
	// the session to inline descriptions; it is never fatal on its own.
	ErrPermission = errors.New("permission denied")

	// ErrStoreClosed is returned once the store connection is torn down.
	ErrStoreClosed = errors.New("store closed")
)
