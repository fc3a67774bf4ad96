package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyMember occurs when a membership grant hits an existing row.
	ErrAlreadyMember = errors.New("user is already a member")
	// ErrLastMember occurs when removal would leave a community without members.
	ErrLastMember = errors.New("user is the last member of the community")
	// ErrConflict indicates an ambiguous state needing manual resolution.
	ErrConflict = errors.New("conflicting state, manual resolution required")
	// ErrStaleDump occurs when a newer dump was submitted after this one.
	ErrStaleDump = errors.New("dump superseded by a newer submission")
)
