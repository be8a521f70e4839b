// Package memory implements an in-process target backend. It backs the
// integration harness and serves as the reference adapter for engine tests.
package memory

import (
	"context"
	"sync"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// Adapter holds a mutable entity table in memory and supports the full
// operation set.
type Adapter struct {
	mu    sync.Mutex
	state *target.DocState

	// FetchCount and ApplyCount record adapter traffic for tests.
	FetchCount int
	ApplyCount int
}

// New creates an adapter seeded from a document; nil starts empty.
func New(doc *format.Document) *Adapter {
	return &Adapter{state: target.NewDocState(doc)}
}

// FetchSnapshot reports the current in-memory state.
func (a *Adapter) FetchSnapshot(_ context.Context) (*format.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.FetchCount++
	return a.state.Snapshot(), nil
}

// Apply mutates the in-memory state.
func (a *Adapter) Apply(_ context.Context, op diff.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ApplyCount++
	if err := a.state.Apply(op); err != nil {
		return target.NewError("memory", op.TargetID, err, err.Error())
	}
	return nil
}

// Supports reports true for every operation kind.
func (a *Adapter) Supports(_ diff.OperationKind) bool {
	return true
}

// Close is a no-op; the adapter holds no connection.
func (a *Adapter) Close() error {
	return nil
}

// Document returns the current state as a dump document.
func (a *Adapter) Document() *format.Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Document()
}
