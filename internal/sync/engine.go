package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/target"
)

// Engine executes a session's operation list against its adapter.
type Engine struct {
	logger   *slog.Logger
	parallel bool
}

// NewEngine creates an engine. With parallel enabled, statically
// independent operation groups are applied concurrently; each group still
// runs in dependency order.
func NewEngine(logger *slog.Logger, parallel bool) *Engine {
	return &Engine{logger: logger, parallel: parallel}
}

// Run applies the session's operations in the order the differ emitted
// them. Failures are contained per operation: execution continues past a
// failed operation, and only structural dependents of a failed blocking
// create are skipped. Cancellation is honored between operations, never
// mid-operation.
func (e *Engine) Run(ctx context.Context, session *Session, dryRun bool) (*Result, error) {
	ops := session.Operations()
	results := make([]OperationResult, len(ops))

	if err := checkCapability(session.Adapter, ops); err != nil {
		return nil, err
	}

	if dryRun {
		for i, op := range ops {
			e.logger.Info("[dry-run] would apply",
				"kind", op.Kind, "entity", op.Entity, "target", op.TargetID)
			results[i] = OperationResult{Operation: op, Outcome: OutcomeSkippedDryRun}
		}
		return &Result{Operations: results}, nil
	}

	if e.parallel {
		e.runGroups(ctx, session.Adapter, ops, results)
	} else {
		indexes := make([]int, len(ops))
		for i := range indexes {
			indexes[i] = i
		}
		e.applySequence(ctx, session.Adapter, ops, indexes, results)
	}

	result := &Result{Operations: results}
	e.logger.Info("sync run finished", "status", result.Status(), "outcomes", result.Counts())
	return result, nil
}

// runGroups applies independent groups concurrently. The groups partition
// the list, so every result index is written by exactly one goroutine.
func (e *Engine) runGroups(ctx context.Context, adapter target.Adapter, ops []diff.Operation, results []OperationResult) {
	position := make(map[int][]int)
	cursor := 0
	groups := diff.Groups(ops)
	for g, group := range groups {
		for range group {
			position[g] = append(position[g], cursor)
			cursor++
		}
	}

	var wg stdsync.WaitGroup
	for g, group := range groups {
		wg.Add(1)
		go func(group []diff.Operation, indexes []int) {
			defer wg.Done()
			e.applySequence(ctx, adapter, group, indexes, results)
		}(group, position[g])
	}
	wg.Wait()
}

// applySequence runs one dependency-ordered slice of operations, writing
// outcomes into results at the given indexes.
func (e *Engine) applySequence(ctx context.Context, adapter target.Adapter, ops []diff.Operation, indexes []int, results []OperationResult) {
	unresolved := make(map[string]bool)

	for i, op := range ops {
		record := func(outcome Outcome, reason string) {
			results[indexes[i]] = OperationResult{Operation: op, Outcome: outcome, Reason: reason}
		}

		select {
		case <-ctx.Done():
			record(OutcomeSkippedCancelled, ctx.Err().Error())
			continue
		default:
		}

		if dep := firstUnresolved(op, unresolved); dep != "" {
			record(OutcomeSkippedDependency, fmt.Sprintf("depends on unresolved %s", dep))
			if op.CreatesEntity() {
				unresolved[op.TargetID] = true
			}
			continue
		}

		if op.Kind == diff.OpUpdateAttributes && len(op.After) == 0 {
			record(OutcomeSkippedNoOp, "")
			continue
		}

		if !adapter.Supports(op.Kind) {
			record(OutcomeUnsupported, fmt.Sprintf("adapter does not support %s", op.Kind))
			continue
		}

		if err := adapter.Apply(ctx, op); err != nil {
			if errors.Is(err, target.ErrUnsupported) {
				record(OutcomeUnsupported, err.Error())
				continue
			}
			e.logger.Warn("operation failed",
				"kind", op.Kind, "entity", op.Entity, "target", op.TargetID, "error", err)
			record(OutcomeFailed, err.Error())
			if op.Blocking {
				unresolved[op.TargetID] = true
			}
			continue
		}

		e.logger.Debug("operation applied",
			"kind", op.Kind, "entity", op.Entity, "target", op.TargetID)
		record(OutcomeApplied, "")
	}
}

// firstUnresolved returns the first structural dependency of op that
// failed to come into existence, or empty.
func firstUnresolved(op diff.Operation, unresolved map[string]bool) string {
	for _, dep := range op.DependsOn {
		if unresolved[dep] {
			return dep
		}
	}
	return ""
}

// checkCapability rejects a session whose adapter supports none of the
// operation kinds the differ emitted.
func checkCapability(adapter target.Adapter, ops []diff.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if adapter.Supports(op.Kind) {
			return nil
		}
	}
	return ErrNoCapability
}
