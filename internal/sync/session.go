// Package sync ties a snapshot/plan pair, a target adapter and the apply
// engine together for exactly one run. Sessions own their operation list
// and result report; adapters are borrowed from the caller and treated as
// exclusively owned for the duration of the run.
package sync

import (
	"errors"
	"fmt"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/target"
)

// ErrSession is the root of orchestration-level errors.
var ErrSession = errors.New("session")

// ErrNoCapability indicates the adapter supports none of the operation
// kinds the differ emitted.
var ErrNoCapability = fmt.Errorf("%w: adapter supports none of the required operations", ErrSession)

// Session is the per-invocation sync unit. Nothing in it survives the run;
// callers persist dumps or reports as files if they want history.
type Session struct {
	Source  *format.Snapshot
	Desired *format.Plan
	Adapter target.Adapter

	ops []diff.Operation
}

// NewSession diffs the snapshot against the plan and captures the resulting
// operation list. Diff errors abort before any mutation is attempted.
func NewSession(source *format.Snapshot, desired *format.Plan, adapter target.Adapter, cfg diff.Config) (*Session, error) {
	ops, err := diff.Diff(source, desired, cfg)
	if err != nil {
		return nil, err
	}
	return &Session{Source: source, Desired: desired, Adapter: adapter, ops: ops}, nil
}

// Operations returns the ordered operation list computed at construction.
func (s *Session) Operations() []diff.Operation {
	return s.ops
}

// Outcome describes what happened to a single operation.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeFailed            Outcome = "failed"
	OutcomeUnsupported       Outcome = "unsupported"
	OutcomeSkippedDryRun     Outcome = "skipped-dry-run"
	OutcomeSkippedNoOp       Outcome = "skipped-no-op"
	OutcomeSkippedDependency Outcome = "skipped-dependency-failed"
	OutcomeSkippedCancelled  Outcome = "skipped-cancelled"
)

// Status is the overall session verdict.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// OperationResult pairs an operation with its outcome. Reason carries the
// adapter-reported failure cause verbatim.
type OperationResult struct {
	Operation diff.Operation `json:"operation"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
}

// Result is the full ordered report of one run.
type Result struct {
	Operations []OperationResult `json:"operations"`
}

// Status reports success only when every operation was applied or skipped
// by dry-run; failed when nothing succeeded at all; partial otherwise.
func (r *Result) Status() Status {
	succeeded := 0
	clean := true
	for _, op := range r.Operations {
		switch op.Outcome {
		case OutcomeApplied, OutcomeSkippedDryRun:
			succeeded++
		default:
			clean = false
		}
	}
	switch {
	case clean:
		return StatusSuccess
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Counts tallies outcomes for logging.
func (r *Result) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, op := range r.Operations {
		counts[op.Outcome]++
	}
	return counts
}

// Failed returns the failed entries, each carrying target id, kind and the
// verbatim adapter reason.
func (r *Result) Failed() []OperationResult {
	var failed []OperationResult
	for _, op := range r.Operations {
		if op.Outcome == OutcomeFailed {
			failed = append(failed, op)
		}
	}
	return failed
}
