// Package resolver implements the Conflict Resolver (C5, §4.5): applying
// an operator's resolution choice to a pending conflict.
package resolver

import (
	"context"
	"errors"

	"todosync/internal/domain"
	"todosync/internal/repository"
	"todosync/internal/txn"
)

var ErrCustomDataRequired = errors.New("resolvedData is required for CUSTOM resolution")

type Resolver struct {
	records     repository.RecordRepository
	conflicts   repository.ConflictRepository
	coordinator *txn.Coordinator
}

func NewResolver(records repository.RecordRepository, conflicts repository.ConflictRepository, coordinator *txn.Coordinator) *Resolver {
	return &Resolver{records: records, conflicts: conflicts, coordinator: coordinator}
}

// Resolve applies choice to conflictID's target record and transitions
// the conflict to RESOLVED, all inside one coordinator scope (§4.5).
// Kind and recordId are immutable for a conflict's lifetime, so reading
// the conflict before acquiring its record lock is safe: it only tells
// us which lock to take next, it never governs the write itself.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, choice domain.ResolutionChoice, customData *domain.MutableFields) (*domain.Conflict, error) {
	conflict, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	var result *domain.Conflict
	keys := []string{txn.OperationKey(conflictID), txn.RecordKey(conflict.Kind, conflict.RecordID)}

	err = r.coordinator.Do(ctx, keys, func(ctx context.Context) error {
		conflict, err := r.conflicts.Get(ctx, conflictID)
		if err != nil {
			return err
		}
		if conflict.Status != domain.ConflictPending {
			return repository.ErrIllegalState
		}

		fields, deleted, noRecord, err := selectPayload(conflict, choice, customData)
		if err != nil {
			return err
		}

		var applied *domain.Record
		if !noRecord {
			applied, err = r.records.ForceUpdate(ctx, conflict.Kind, conflict.RecordID, fields, deleted)
			if errors.Is(err, repository.ErrNotFound) {
				// The conflict's target never existed (an
				// absent-target UPDATE conflict); the operator's
				// choice materializes it as a new record instead.
				rec := &domain.Record{ID: conflict.RecordID}
				fields.Apply(rec)
				if insErr := r.records.Insert(ctx, conflict.Kind, rec); insErr != nil {
					return insErr
				}
				applied = rec
			} else if err != nil {
				return err
			}
		}

		resolved, err := r.conflicts.TransitionToResolved(ctx, conflictID, applied)
		if err != nil {
			return err
		}
		result = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Dismiss transitions a PENDING conflict to DISMISSED without touching
// the record.
func (r *Resolver) Dismiss(ctx context.Context, conflictID string) (*domain.Conflict, error) {
	var result *domain.Conflict

	err := r.coordinator.Do(ctx, []string{txn.OperationKey(conflictID)}, func(ctx context.Context) error {
		dismissed, err := r.conflicts.TransitionToDismissed(ctx, conflictID)
		if err != nil {
			return err
		}
		result = dismissed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// selectPayload picks the winning side per §4.5 step 2. deleted reports
// whether the winning side is itself a DELETE (SERVER on a tombstoned
// record, or CLIENT selecting a client DELETE operation), in which case
// the record is tombstoned rather than content-replaced. noRecord
// reports the SERVER-on-absent-record collapse (§4.5 step 2): there is
// no server content to apply, so the record is left untouched and the
// conflict is still marked RESOLVED. A CUSTOM status is dropped unless
// the conflict targets a todo, since notes carry no status.
func selectPayload(conflict *domain.Conflict, choice domain.ResolutionChoice, customData *domain.MutableFields) (fields domain.MutableFields, deleted bool, noRecord bool, err error) {
	switch choice {
	case domain.ResolutionServer:
		if conflict.ServerData == nil {
			return domain.MutableFields{}, false, true, nil
		}
		return fieldsFromRecord(conflict.ServerData), conflict.ServerData.IsTombstone(), false, nil

	case domain.ResolutionClient:
		if conflict.ClientData == nil {
			return domain.MutableFields{}, false, false, errors.New("conflict has no client payload")
		}
		return conflict.ClientData.MutableFields, conflict.ClientData.Action == domain.ActionDelete, false, nil

	case domain.ResolutionCustom:
		if customData == nil {
			return domain.MutableFields{}, false, false, ErrCustomDataRequired
		}
		fields := *customData
		if conflict.Kind != domain.KindTodos {
			fields.Status = nil
		}
		return fields, false, false, nil

	default:
		return domain.MutableFields{}, false, false, errors.New("unknown resolution choice")
	}
}

func fieldsFromRecord(r *domain.Record) domain.MutableFields {
	title := r.Title
	status := r.Status
	return domain.MutableFields{Title: &title, Content: r.Content, Status: &status}
}
