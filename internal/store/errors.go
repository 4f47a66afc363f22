package store

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates the unique
	// message_id constraint; the caller treats the email as already seen.
	ErrDuplicate = errors.New("duplicate message_id")
)
