package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"todosync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// ConflictRepository is the Conflict Store (C3, §4.3). Documents are
// keyed by operationId, which gives at-most-one-conflict-per-operation
// (I3/P3) for free from CouchDB's own document-id uniqueness, the same
// trick the ledger uses.
type ConflictRepository interface {
	EnsureIndexes(ctx context.Context) error
	Create(ctx context.Context, conflict domain.Conflict) (*domain.Conflict, error)
	Get(ctx context.Context, id string) (*domain.Conflict, error)
	List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error)
	TransitionToResolved(ctx context.Context, id string, resolvedData *domain.Record) (*domain.Conflict, error)
	TransitionToDismissed(ctx context.Context, id string) (*domain.Conflict, error)
	Stats(ctx context.Context) (domain.ConflictStats, error)
}

type conflictDoc struct {
	domain.Conflict
	Rev string `json:"_rev,omitempty"`
}

type conflictRepository struct {
	client *kivik.Client
	dbName string
}

func NewConflictRepository(client *kivik.Client, dbName string) ConflictRepository {
	return &conflictRepository{client: client, dbName: dbName}
}

func (r *conflictRepository) db() *kivik.DB {
	return r.client.DB(r.dbName)
}

// EnsureIndexes creates the Mango indexes §6 requires for conflict
// lookups: (status) and (kind, recordId). Called once at startup,
// mirroring the teacher's CreateDB-if-absent bootstrap step.
func (r *conflictRepository) EnsureIndexes(ctx context.Context) error {
	db := r.db()
	if err := db.CreateIndex(ctx, "", "conflicts-by-status", map[string]interface{}{
		"fields": []string{"status"},
	}); err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	if err := db.CreateIndex(ctx, "", "conflicts-by-kind-record", map[string]interface{}{
		"fields": []string{"kind", "recordId"},
	}); err != nil {
		return fmt.Errorf("create kind/record index: %w", err)
	}
	return nil
}

func (r *conflictRepository) Create(ctx context.Context, conflict domain.Conflict) (*domain.Conflict, error) {
	conflict.Status = domain.ConflictPending

	_, err := r.db().Put(ctx, conflict.ID, conflictDoc{Conflict: conflict})
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create conflict %s: %w", conflict.ID, err)
	}
	return &conflict, nil
}

func (r *conflictRepository) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	row := r.db().Get(ctx, id)

	var doc conflictDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}
	c := doc.Conflict
	return &c, nil
}

func (r *conflictRepository) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	selector := map[string]interface{}{}
	if filter.Status != "" {
		selector["status"] = string(filter.Status)
	}
	if filter.Kind != "" {
		selector["kind"] = string(filter.Kind)
	}
	if len(selector) == 0 {
		selector["_id"] = map[string]interface{}{"$gt": nil}
	}

	rows := r.db().Find(ctx, map[string]interface{}{"selector": selector})
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*domain.Conflict
	for rows.Next() {
		var doc conflictDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		c := doc.Conflict
		conflicts = append(conflicts, &c)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].CreatedAt.After(conflicts[j].CreatedAt)
	})

	return conflicts, nil
}

func (r *conflictRepository) transition(ctx context.Context, id string, apply func(*conflictDoc) error) (*domain.Conflict, error) {
	db := r.db()
	row := db.Get(ctx, id)

	var doc conflictDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}

	if doc.Status != domain.ConflictPending {
		return nil, ErrIllegalState
	}

	if err := apply(&doc); err != nil {
		return nil, err
	}

	if _, err := db.Put(ctx, id, doc); err != nil {
		return nil, fmt.Errorf("update conflict %s: %w", id, err)
	}

	c := doc.Conflict
	return &c, nil
}

func (r *conflictRepository) TransitionToResolved(ctx context.Context, id string, resolvedData *domain.Record) (*domain.Conflict, error) {
	return r.transition(ctx, id, func(doc *conflictDoc) error {
		now := time.Now()
		doc.Status = domain.ConflictResolved
		doc.ResolvedAt = &now
		doc.ResolvedData = resolvedData
		return nil
	})
}

func (r *conflictRepository) TransitionToDismissed(ctx context.Context, id string) (*domain.Conflict, error) {
	return r.transition(ctx, id, func(doc *conflictDoc) error {
		now := time.Now()
		doc.Status = domain.ConflictDismissed
		doc.ResolvedAt = &now
		return nil
	})
}

func (r *conflictRepository) Stats(ctx context.Context) (domain.ConflictStats, error) {
	conflicts, err := r.List(ctx, domain.ConflictFilter{})
	if err != nil {
		return domain.ConflictStats{}, err
	}

	stats := domain.ConflictStats{ByKind: map[domain.Kind]int{}}
	for _, c := range conflicts {
		switch c.Status {
		case domain.ConflictPending:
			stats.Pending++
		case domain.ConflictResolved:
			stats.Resolved++
		case domain.ConflictDismissed:
			stats.Dismissed++
		}
		stats.ByKind[c.Kind]++
	}
	return stats, nil
}
