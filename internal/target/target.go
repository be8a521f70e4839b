// Package target defines the capability interface every sync backend
// implements. Adapters own their transport and session lifecycle; the sync
// core never manages connections directly and never sees credentials.
package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
)

// Adapter is the backend capability interface. An adapter instance is
// exclusively owned by one sync run at a time; concurrent use requires
// adapter-level synchronization.
type Adapter interface {
	// FetchSnapshot reports the currently observed remote state.
	FetchSnapshot(ctx context.Context) (*format.Snapshot, error)
	// Apply performs a single operation. Calling it with an operation the
	// adapter does not support returns an error matching ErrUnsupported
	// instead of failing the session.
	Apply(ctx context.Context, op diff.Operation) error
	// Supports reports whether the adapter implements the operation kind.
	Supports(kind diff.OperationKind) bool
	// Close releases the adapter's connection, if one was opened.
	Close() error
}

// Sentinel causes for adapter errors.
var (
	ErrUnsupported = errors.New("operation not supported by target")
	ErrNotFound    = errors.New("entity not found on target")
	ErrPermission  = errors.New("target denied permission")
	ErrTransport   = errors.New("target transport failure")
)

// Error is the adapter error surfaced per operation in the sync result.
// Reason carries the backend-reported cause verbatim.
type Error struct {
	Backend  string
	TargetID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("%s: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.TargetID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error wrapping the given sentinel cause.
func NewError(backend, targetID string, cause error, reason string) error {
	return &Error{Backend: backend, TargetID: targetID, Reason: reason, Err: cause}
}
