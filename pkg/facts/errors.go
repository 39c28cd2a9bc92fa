package facts

import "errors"

var (
	// ErrConstraint is returned when an inserted row collides with an
	// existing primary key (Owner, ID, Kind, Num).
	ErrConstraint = errors.New("facts: primary key constraint violation")

	// ErrCardinality is returned when a lookup the caller assumed unique
	// matched more than one row. It signals a prior invariant breach and
	// is never recovered from.
	ErrCardinality = errors.New("facts: cardinality violation")

	// ErrCorrupt is returned when stored data cannot be decoded or an
	// invariant the store maintains is observed broken.
	ErrCorrupt = errors.New("facts: corrupt row")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("facts: store closed")
)
