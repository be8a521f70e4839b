package format

import "errors"

// ErrFormat is the root of the format error taxonomy. Every validation
// failure produced by this package wraps it, so callers can match the whole
// class with errors.Is(err, format.ErrFormat) or a specific rule with the
// sentinels below.
var ErrFormat = errors.New("format")

var (
	// ErrNotAnObject indicates the document does not decode to a top-level
	// key-value object.
	ErrNotAnObject = wrap("document is not an object")
	// ErrUnknownFormat indicates a format field that is neither "dump" nor
	// "upload".
	ErrUnknownFormat = wrap("unknown format")
	// ErrInvalidVersion indicates a version field that is not representable
	// as a non-negative integer.
	ErrInvalidVersion = wrap("invalid version")
	// ErrFormatMismatch indicates the declared format explicitly contradicts
	// the format the caller demanded (strict mode only).
	ErrFormatMismatch = wrap("format mismatch")
	// ErrDuplicateID indicates two entities share an id.
	ErrDuplicateID = wrap("duplicate entity id")
	// ErrDanglingParent indicates a child reference to an id that does not
	// exist in the document.
	ErrDanglingParent = wrap("dangling parent reference")
	// ErrConflictingParent indicates an entity listed as child of more than
	// one parent.
	ErrConflictingParent = wrap("entity has more than one parent")
	// ErrCyclicStructure indicates the contains-relationship forms a cycle.
	ErrCyclicStructure = wrap("cyclic structure")
)

type formatError struct {
	msg string
}

func (e *formatError) Error() string { return "format: " + e.msg }

func (e *formatError) Unwrap() error { return ErrFormat }

func wrap(msg string) error {
	return &formatError{msg: msg}
}
