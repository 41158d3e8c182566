// Package sync implements the Sync Processor (C4, §4.4): the per-batch,
// per-operation dispatch that is the heart of the system.
package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"todosync/internal/domain"
	"todosync/internal/middleware"
	"todosync/internal/repository"
	"todosync/internal/txn"
)

// MaxBatchSize is the §4.7 upper bound on operations per request.
const MaxBatchSize = 100

type Processor struct {
	records     repository.RecordRepository
	ledger      repository.LedgerRepository
	conflicts   repository.ConflictRepository
	coordinator *txn.Coordinator
}

func NewProcessor(records repository.RecordRepository, ledger repository.LedgerRepository, conflicts repository.ConflictRepository, coordinator *txn.Coordinator) *Processor {
	return &Processor{
		records:     records,
		ledger:      ledger,
		conflicts:   conflicts,
		coordinator: coordinator,
	}
}

// ProcessBatch applies every operation in order (§4.4.1) and returns a
// result vector of the same length and order (P7), plus a summary.
func (p *Processor) ProcessBatch(ctx context.Context, ops []domain.Operation) domain.BatchResult {
	results := make([]domain.OperationResult, len(ops))
	summary := domain.BatchSummary{Total: len(ops)}

	for i, op := range ops {
		result := p.processOne(ctx, op)
		results[i] = result

		switch result.Status {
		case domain.ResultApplied:
			summary.Applied++
		case domain.ResultConflict:
			summary.Conflicts++
		case domain.ResultError:
			summary.Errors++
		}
	}

	return domain.BatchResult{Results: results, Summary: summary}
}

// processOne runs the full per-operation algorithm of §4.4.2 inside one
// coordinator scope, so the idempotency check, the read of current
// state, and the write are all serialized against anything else
// touching the same record or the same operationId.
func (p *Processor) processOne(ctx context.Context, op domain.Operation) domain.OperationResult {
	keys := []string{txn.OperationKey(op.OperationID)}
	if op.RecordID != "" {
		keys = append(keys, txn.RecordKey(op.Kind, op.RecordID))
	}

	var result domain.OperationResult
	err := p.coordinator.Do(ctx, keys, func(ctx context.Context) error {
		result = p.dispatch(ctx, op)
		return nil
	})
	if err != nil {
		log.Printf("sync: request %s: operation %s failed: %v", middleware.RequestIDFromContext(ctx), op.OperationID, err)
		return domain.OperationResult{
			OperationID: op.OperationID,
			Status:      domain.ResultError,
			Message:     err.Error(),
		}
	}
	return result
}

func (p *Processor) dispatch(ctx context.Context, op domain.Operation) domain.OperationResult {
	seen, err := p.ledger.Seen(ctx, op.OperationID)
	if err != nil {
		return errorResult(op, err)
	}
	if seen {
		return domain.OperationResult{
			OperationID: op.OperationID,
			Status:      domain.ResultError,
			Message:     "Operation already processed",
		}
	}

	switch op.Action {
	case domain.ActionCreate:
		return p.applyCreate(ctx, op)
	case domain.ActionUpdate:
		return p.applyUpdate(ctx, op)
	case domain.ActionDelete:
		return p.applyDelete(ctx, op)
	default:
		return errorResult(op, errors.New("unknown action"))
	}
}

func (p *Processor) applyCreate(ctx context.Context, op domain.Operation) domain.OperationResult {
	rec := &domain.Record{ID: op.RecordID}
	op.Apply(rec)

	if err := p.records.Insert(ctx, op.Kind, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.OperationResult{
				OperationID: op.OperationID,
				Status:      domain.ResultError,
				Message:     "duplicate id",
			}
		}
		return errorResult(op, err)
	}

	if err := p.recordLedger(ctx, op); err != nil {
		return errorResult(op, err)
	}

	return domain.OperationResult{OperationID: op.OperationID, Status: domain.ResultApplied, Data: rec}
}

func (p *Processor) applyUpdate(ctx context.Context, op domain.Operation) domain.OperationResult {
	current, err := p.records.Get(ctx, op.Kind, op.RecordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return p.createConflict(ctx, op, nil, 0)
		}
		return errorResult(op, err)
	}

	if current.Version != op.ClientVersion {
		return p.createConflict(ctx, op, current, current.Version)
	}

	updated, err := p.records.UpdateIfVersion(ctx, op.Kind, op.RecordID, op.ClientVersion, op.MutableFields)
	if err != nil {
		if errors.Is(err, repository.ErrVersionMismatch) {
			// Lost a race inside the transaction; the coordinator should
			// have prevented this. Defend anyway, per §4.4.2.
			return domain.OperationResult{
				OperationID: op.OperationID,
				Status:      domain.ResultError,
				Message:     "race",
			}
		}
		if errors.Is(err, repository.ErrNotFound) {
			return p.createConflict(ctx, op, nil, 0)
		}
		return errorResult(op, err)
	}

	if err := p.recordLedger(ctx, op); err != nil {
		return errorResult(op, err)
	}

	return domain.OperationResult{OperationID: op.OperationID, Status: domain.ResultApplied, Data: updated}
}

func (p *Processor) applyDelete(ctx context.Context, op domain.Operation) domain.OperationResult {
	current, err := p.records.Get(ctx, op.Kind, op.RecordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return p.tolerantDelete(ctx, op)
		}
		return errorResult(op, err)
	}

	if current.IsTombstone() {
		return p.tolerantDelete(ctx, op)
	}

	if current.Version != op.ClientVersion {
		return p.createConflict(ctx, op, current, current.Version)
	}

	deleted, err := p.records.SoftDeleteIfVersion(ctx, op.Kind, op.RecordID, op.ClientVersion)
	if err != nil {
		if errors.Is(err, repository.ErrVersionMismatch) {
			return domain.OperationResult{
				OperationID: op.OperationID,
				Status:      domain.ResultError,
				Message:     "race",
			}
		}
		if errors.Is(err, repository.ErrNotFound) {
			return p.tolerantDelete(ctx, op)
		}
		return errorResult(op, err)
	}

	if err := p.recordLedger(ctx, op); err != nil {
		return errorResult(op, err)
	}

	return domain.OperationResult{OperationID: op.OperationID, Status: domain.ResultApplied, Data: deleted}
}

// tolerantDelete implements P6: deleting something already gone always
// yields APPLIED with a ledger entry, never a conflict.
func (p *Processor) tolerantDelete(ctx context.Context, op domain.Operation) domain.OperationResult {
	if err := p.recordLedger(ctx, op); err != nil {
		return errorResult(op, err)
	}
	return domain.OperationResult{
		OperationID: op.OperationID,
		Status:      domain.ResultApplied,
		Message:     "already deleted",
	}
}

func (p *Processor) createConflict(ctx context.Context, op domain.Operation, serverData *domain.Record, serverVersion int64) domain.OperationResult {
	opCopy := op
	conflict := domain.Conflict{
		ID:            op.OperationID,
		Kind:          op.Kind,
		RecordID:      op.RecordID,
		ServerData:    serverData,
		ClientData:    &opCopy,
		ServerVersion: serverVersion,
		ClientVersion: op.ClientVersion,
		Status:        domain.ConflictPending,
		CreatedAt:     time.Now(),
	}

	if _, err := p.conflicts.Create(ctx, conflict); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// A retried batch after a dropped connection: this operation
			// already produced a PENDING conflict on a previous attempt.
			// Conflict creation isn't ledger-recorded, so Seen never
			// caught this; re-surface the same CONFLICT result instead
			// of erroring on the id clash.
			if _, getErr := p.conflicts.Get(ctx, op.OperationID); getErr == nil {
				return domain.OperationResult{
					OperationID: op.OperationID,
					Status:      domain.ResultConflict,
					ConflictID:  op.OperationID,
				}
			}
		}
		return errorResult(op, err)
	}

	return domain.OperationResult{
		OperationID: op.OperationID,
		Status:      domain.ResultConflict,
		ConflictID:  op.OperationID,
	}
}

func (p *Processor) recordLedger(ctx context.Context, op domain.Operation) error {
	return p.ledger.Record(ctx, domain.LedgerEntry{
		OperationID: op.OperationID,
		Action:      op.Action,
		Kind:        op.Kind,
	})
}

func errorResult(op domain.Operation, err error) domain.OperationResult {
	return domain.OperationResult{
		OperationID: op.OperationID,
		Status:      domain.ResultError,
		Message:     err.Error(),
	}
}
