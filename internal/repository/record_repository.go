package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"todosync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// Sentinel errors returned by RecordRepository, ConflictRepository and
// Ledger. Callers distinguish them with errors.Is.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("record already exists")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrIllegalState    = errors.New("illegal state transition")
)

// RecordRepository is the Record Store (C1, §4.1): durable keyed
// storage for a kind's records, with versioned conditional update,
// soft-delete and tombstone-aware lookup.
type RecordRepository interface {
	Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error)
	GetLive(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error)
	Insert(ctx context.Context, kind domain.Kind, rec *domain.Record) error
	UpdateIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64, fields domain.MutableFields) (*domain.Record, error)
	SoftDeleteIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64) (*domain.Record, error)
	ForceUpdate(ctx context.Context, kind domain.Kind, id string, fields domain.MutableFields, deleted bool) (*domain.Record, error)
}

// recordDoc is the on-disk shape: the domain record plus the CouchDB
// revision needed to write it back.
type recordDoc struct {
	domain.Record
	Rev string `json:"_rev,omitempty"`
}

type recordRepository struct {
	client  *kivik.Client
	dbNames map[domain.Kind]string
}

// NewRecordRepository wires one CouchDB database per kind, following
// the persisted-state layout of records_todos/records_notes (§6).
func NewRecordRepository(client *kivik.Client, dbNames map[domain.Kind]string) RecordRepository {
	return &recordRepository{client: client, dbNames: dbNames}
}

func (r *recordRepository) db(kind domain.Kind) *kivik.DB {
	return r.client.DB(r.dbNames[kind])
}

func (r *recordRepository) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	db := r.db(kind)
	row := db.Get(ctx, id)

	var doc recordDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%s: %w", kind, id, err)
	}

	rec := doc.Record
	return &rec, nil
}

func (r *recordRepository) GetLive(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	rec, err := r.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTombstone() {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (r *recordRepository) Insert(ctx context.Context, kind domain.Kind, rec *domain.Record) error {
	db := r.db(kind)

	now := time.Now()
	rec.Kind = kind
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.DeletedAt = nil

	_, err := db.Put(ctx, rec.ID, recordDoc{Record: *rec})
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return ErrDuplicate
		}
		return fmt.Errorf("insert record %s/%s: %w", kind, rec.ID, err)
	}
	return nil
}

func (r *recordRepository) UpdateIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64, fields domain.MutableFields) (*domain.Record, error) {
	db := r.db(kind)
	row := db.Get(ctx, id)

	var doc recordDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%s: %w", kind, id, err)
	}

	if doc.IsTombstone() || doc.Version != expectedVersion {
		return nil, ErrVersionMismatch
	}

	fields.Apply(&doc.Record)
	doc.Version++
	doc.UpdatedAt = time.Now()

	if _, err := db.Put(ctx, id, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil, ErrVersionMismatch
		}
		return nil, fmt.Errorf("update record %s/%s: %w", kind, id, err)
	}

	rec := doc.Record
	return &rec, nil
}

func (r *recordRepository) SoftDeleteIfVersion(ctx context.Context, kind domain.Kind, id string, expectedVersion int64) (*domain.Record, error) {
	db := r.db(kind)
	row := db.Get(ctx, id)

	var doc recordDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%s: %w", kind, id, err)
	}

	if doc.IsTombstone() || doc.Version != expectedVersion {
		return nil, ErrVersionMismatch
	}

	now := time.Now()
	doc.DeletedAt = &now
	doc.Version++
	doc.UpdatedAt = now

	if _, err := db.Put(ctx, id, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil, ErrVersionMismatch
		}
		return nil, fmt.Errorf("soft-delete record %s/%s: %w", kind, id, err)
	}

	rec := doc.Record
	return &rec, nil
}

// ForceUpdate performs the Conflict Resolver's unconditional write
// (§4.5): version always advances by one regardless of its current
// value, since the conflict itself is the authority over what current
// should become. deleted controls whether the resolved side represents
// a tombstone (the chosen side was a DELETE) or a live record.
func (r *recordRepository) ForceUpdate(ctx context.Context, kind domain.Kind, id string, fields domain.MutableFields, deleted bool) (*domain.Record, error) {
	db := r.db(kind)
	row := db.Get(ctx, id)

	var doc recordDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%s: %w", kind, id, err)
	}

	fields.Apply(&doc.Record)
	if deleted {
		now := time.Now()
		doc.DeletedAt = &now
	} else {
		doc.DeletedAt = nil
	}
	doc.Version++
	doc.UpdatedAt = time.Now()

	if _, err := db.Put(ctx, id, doc); err != nil {
		return nil, fmt.Errorf("force-update record %s/%s: %w", kind, id, err)
	}

	rec := doc.Record
	return &rec, nil
}
