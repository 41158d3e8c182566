package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"todosync/internal/domain"
	"todosync/internal/repository"
	"todosync/internal/txn"
)

// ---- in-memory fakes ----

type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Record // key: kind+":"+id
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: make(map[string]*domain.Record)}
}

func recKey(kind domain.Kind, id string) string { return string(kind) + ":" + id }

func (f *fakeRecordRepo) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recKey(kind, id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordRepo) GetLive(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	rec, err := f.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTombstone() {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordRepo) Insert(ctx context.Context, kind domain.Kind, rec *domain.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recKey(kind, rec.ID)
	if _, exists := f.records[key]; exists {
		return repository.ErrDuplicate
	}
	now := time.Now()
	rec.Kind = kind
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.DeletedAt = nil
	cp := *rec
	f.records[key] = &cp
	return nil
}

func (f *fakeRecordRepo) UpdateIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64, fields domain.MutableFields) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recKey(kind, id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if rec.IsTombstone() || rec.Version != expectedVersion {
		return nil, repository.ErrVersionMismatch
	}
	fields.Apply(rec)
	rec.Version++
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordRepo) SoftDeleteIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recKey(kind, id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if rec.IsTombstone() || rec.Version != expectedVersion {
		return nil, repository.ErrVersionMismatch
	}
	now := time.Now()
	rec.DeletedAt = &now
	rec.Version++
	rec.UpdatedAt = now
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordRepo) ForceUpdate(ctx context.Context, kind domain.Kind, id string, fields domain.MutableFields, deleted bool) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recKey(kind, id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	fields.Apply(rec)
	if deleted {
		now := time.Now()
		rec.DeletedAt = &now
	} else {
		rec.DeletedAt = nil
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

type fakeLedgerRepo struct {
	mu      sync.Mutex
	entries map[string]domain.LedgerEntry
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{entries: make(map[string]domain.LedgerEntry)}
}

func (f *fakeLedgerRepo) Seen(ctx context.Context, operationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[operationID]
	return ok, nil
}

func (f *fakeLedgerRepo) Record(ctx context.Context, entry domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[entry.OperationID]; exists {
		return repository.ErrDuplicate
	}
	entry.ProcessedAt = time.Now()
	f.entries[entry.OperationID] = entry
	return nil
}

type fakeConflictRepo struct {
	mu        sync.Mutex
	conflicts map[string]*domain.Conflict
}

func newFakeConflictRepo() *fakeConflictRepo {
	return &fakeConflictRepo{conflicts: make(map[string]*domain.Conflict)}
}

func (f *fakeConflictRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (f *fakeConflictRepo) Create(ctx context.Context, conflict domain.Conflict) (*domain.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.conflicts[conflict.ID]; exists {
		return nil, repository.ErrDuplicate
	}
	conflict.Status = domain.ConflictPending
	cp := conflict
	f.conflicts[conflict.ID] = &cp
	return &cp, nil
}

func (f *fakeConflictRepo) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConflictRepo) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Conflict
	for _, c := range f.conflicts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && c.Kind != filter.Kind {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeConflictRepo) TransitionToResolved(ctx context.Context, id string, resolvedData *domain.Record) (*domain.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != domain.ConflictPending {
		return nil, repository.ErrIllegalState
	}
	now := time.Now()
	c.Status = domain.ConflictResolved
	c.ResolvedAt = &now
	c.ResolvedData = resolvedData
	cp := *c
	return &cp, nil
}

func (f *fakeConflictRepo) TransitionToDismissed(ctx context.Context, id string) (*domain.Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != domain.ConflictPending {
		return nil, repository.ErrIllegalState
	}
	now := time.Now()
	c.Status = domain.ConflictDismissed
	c.ResolvedAt = &now
	cp := *c
	return &cp, nil
}

func (f *fakeConflictRepo) Stats(ctx context.Context) (domain.ConflictStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.ConflictStats{ByKind: map[domain.Kind]int{}}
	for _, c := range f.conflicts {
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

// ---- helpers ----

func newTestProcessor() (*Processor, *fakeRecordRepo, *fakeLedgerRepo, *fakeConflictRepo) {
	records := newFakeRecordRepo()
	ledger := newFakeLedgerRepo()
	conflicts := newFakeConflictRepo()
	p := NewProcessor(records, ledger, conflicts, txn.NewCoordinator())
	return p, records, ledger, conflicts
}

func title(s string) *string { return &s }

// ---- tests ----

func TestProcessBatch_CleanCreate(t *testing.T) {
	p, _, ledger, _ := newTestProcessor()

	ops := []domain.Operation{
		{
			OperationID: "o1",
			Action:      domain.ActionCreate,
			Kind:        domain.KindTodos,
			RecordID:    "t1",
			MutableFields: domain.MutableFields{Title: title("buy milk")},
		},
	}

	result := p.ProcessBatch(context.Background(), ops)

	if result.Summary != (domain.BatchSummary{Total: 1, Applied: 1}) {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if result.Results[0].Status != domain.ResultApplied {
		t.Fatalf("expected APPLIED, got %+v", result.Results[0])
	}
	if result.Results[0].Data == nil || result.Results[0].Data.Version != 1 {
		t.Fatalf("expected version 1, got %+v", result.Results[0].Data)
	}
	seen, _ := ledger.Seen(context.Background(), "o1")
	if !seen {
		t.Fatalf("expected ledger entry for o1")
	}
}

func TestProcessBatch_VersionConflictOnUpdate(t *testing.T) {
	p, records, _, conflicts := newTestProcessor()

	rec := &domain.Record{ID: "t1", Title: "buy milk"}
	_ = records.Insert(context.Background(), domain.KindTodos, rec)
	_, _ = records.UpdateIfVersion(context.Background(), domain.KindTodos, "t1", 1, domain.MutableFields{})

	ops := []domain.Operation{
		{
			OperationID:   "o2",
			Action:        domain.ActionUpdate,
			Kind:          domain.KindTodos,
			RecordID:      "t1",
			ClientVersion: 1,
			MutableFields:   domain.MutableFields{Title: title("buy bread")},
		},
	}

	result := p.ProcessBatch(context.Background(), ops)

	if result.Results[0].Status != domain.ResultConflict {
		t.Fatalf("expected CONFLICT, got %+v", result.Results[0])
	}
	if result.Results[0].ConflictID != "o2" {
		t.Fatalf("expected conflictId o2, got %q", result.Results[0].ConflictID)
	}

	conflict, err := conflicts.Get(context.Background(), "o2")
	if err != nil {
		t.Fatalf("expected conflict row: %v", err)
	}
	if conflict.ServerVersion != 2 || conflict.ClientVersion != 1 {
		t.Fatalf("unexpected versions: server=%d client=%d", conflict.ServerVersion, conflict.ClientVersion)
	}
}

func TestProcessBatch_RetryAfterConflictStaysConflict(t *testing.T) {
	p, records, _, conflicts := newTestProcessor()

	rec := &domain.Record{ID: "t1", Title: "buy milk"}
	_ = records.Insert(context.Background(), domain.KindTodos, rec)
	_, _ = records.UpdateIfVersion(context.Background(), domain.KindTodos, "t1", 1, domain.MutableFields{})

	op := domain.Operation{
		OperationID:   "o2",
		Action:        domain.ActionUpdate,
		Kind:          domain.KindTodos,
		RecordID:      "t1",
		ClientVersion: 1,
		MutableFields: domain.MutableFields{Title: title("buy bread")},
	}

	first := p.ProcessBatch(context.Background(), []domain.Operation{op})
	if first.Results[0].Status != domain.ResultConflict || first.Results[0].ConflictID != "o2" {
		t.Fatalf("expected first attempt to CONFLICT, got %+v", first.Results[0])
	}

	// Same batch retried after a dropped connection: the conflict row
	// from the first attempt still exists (conflict creation isn't
	// ledger-recorded), so Create hits ErrDuplicate. The retry must
	// still surface CONFLICT, not an ERROR about an existing id.
	second := p.ProcessBatch(context.Background(), []domain.Operation{op})
	if second.Results[0].Status != domain.ResultConflict {
		t.Fatalf("expected retry to CONFLICT again, got %+v", second.Results[0])
	}
	if second.Results[0].ConflictID != "o2" {
		t.Fatalf("expected conflictId o2 on retry, got %q", second.Results[0].ConflictID)
	}

	list, err := conflicts.List(context.Background(), domain.ConflictFilter{})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one conflict row after retry, got %d", len(list))
	}
}

func TestProcessBatch_Replay(t *testing.T) {
	p, _, _, _ := newTestProcessor()

	ops := []domain.Operation{
		{OperationID: "o1", Action: domain.ActionCreate, Kind: domain.KindTodos, RecordID: "t1", MutableFields: domain.MutableFields{Title: title("buy milk")}},
	}
	first := p.ProcessBatch(context.Background(), ops)
	if first.Results[0].Status != domain.ResultApplied {
		t.Fatalf("expected first APPLIED, got %+v", first.Results[0])
	}

	second := p.ProcessBatch(context.Background(), ops)
	if second.Results[0].Status != domain.ResultError {
		t.Fatalf("expected replay ERROR, got %+v", second.Results[0])
	}
	if second.Results[0].Message != "Operation already processed" {
		t.Fatalf("unexpected message: %q", second.Results[0].Message)
	}
}

func TestProcessBatch_TolerantDelete(t *testing.T) {
	p, records, ledger, conflicts := newTestProcessor()

	ops := []domain.Operation{
		{OperationID: "o3", Action: domain.ActionDelete, Kind: domain.KindNotes, RecordID: "t99", ClientVersion: 1},
	}

	result := p.ProcessBatch(context.Background(), ops)

	if result.Results[0].Status != domain.ResultApplied {
		t.Fatalf("expected APPLIED, got %+v", result.Results[0])
	}
	if result.Results[0].Message != "already deleted" {
		t.Fatalf("unexpected message: %q", result.Results[0].Message)
	}
	seen, _ := ledger.Seen(context.Background(), "o3")
	if !seen {
		t.Fatalf("expected ledger entry for o3")
	}
	if _, err := records.Get(context.Background(), domain.KindNotes, "t99"); err == nil {
		t.Fatalf("expected no record to have been created")
	}
	list, _ := conflicts.List(context.Background(), domain.ConflictFilter{})
	if len(list) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(list))
	}
}

func TestProcessBatch_MixedBatch(t *testing.T) {
	p, records, _, _ := newTestProcessor()

	stale := &domain.Record{ID: "t1", Title: "old"}
	_ = records.Insert(context.Background(), domain.KindTodos, stale)
	_, _ = records.UpdateIfVersion(context.Background(), domain.KindTodos, "t1", 1, domain.MutableFields{})

	ops := []domain.Operation{
		{OperationID: "a", Action: domain.ActionCreate, Kind: domain.KindTodos, RecordID: "new1", MutableFields: domain.MutableFields{Title: title("new todo")}},
		{OperationID: "b", Action: domain.ActionUpdate, Kind: domain.KindTodos, RecordID: "t1", ClientVersion: 1, MutableFields: domain.MutableFields{Title: title("stale update")}},
		{OperationID: "c", Action: domain.ActionDelete, Kind: domain.KindTodos, RecordID: "unknown", ClientVersion: 1},
	}

	result := p.ProcessBatch(context.Background(), ops)

	if result.Summary != (domain.BatchSummary{Total: 3, Applied: 2, Conflicts: 1}) {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if result.Results[0].OperationID != "a" || result.Results[1].OperationID != "b" || result.Results[2].OperationID != "c" {
		t.Fatalf("result order does not match input order: %+v", result.Results)
	}
}

func TestProcessBatch_TwoOpsSameRecordInBatch(t *testing.T) {
	p, _, _, _ := newTestProcessor()

	ops := []domain.Operation{
		{OperationID: "c1", Action: domain.ActionCreate, Kind: domain.KindTodos, RecordID: "t1", MutableFields: domain.MutableFields{Title: title("v1")}},
		{OperationID: "u1", Action: domain.ActionUpdate, Kind: domain.KindTodos, RecordID: "t1", ClientVersion: 1, MutableFields: domain.MutableFields{Title: title("v2")}},
	}

	result := p.ProcessBatch(context.Background(), ops)

	if result.Results[0].Status != domain.ResultApplied || result.Results[1].Status != domain.ResultApplied {
		t.Fatalf("expected both APPLIED, got %+v", result.Results)
	}
	if result.Results[1].Data.Version != 2 {
		t.Fatalf("expected second op to see version 2, got %d", result.Results[1].Data.Version)
	}
}

func TestProcessBatch_DuplicateCreate(t *testing.T) {
	p, records, _, _ := newTestProcessor()
	_ = records.Insert(context.Background(), domain.KindTodos, &domain.Record{ID: "t1", Title: "exists"})

	ops := []domain.Operation{
		{OperationID: "dup1", Action: domain.ActionCreate, Kind: domain.KindTodos, RecordID: "t1", MutableFields: domain.MutableFields{Title: title("collide")}},
	}

	result := p.ProcessBatch(context.Background(), ops)
	if result.Results[0].Status != domain.ResultError {
		t.Fatalf("expected ERROR, got %+v", result.Results[0])
	}
}
