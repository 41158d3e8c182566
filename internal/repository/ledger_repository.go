package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"todosync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// LedgerRepository is the Idempotency Ledger (C2, §4.2). It is the sole
// idempotency authority: seen() must be checked before an operation's
// side effect runs, and record() written in the same coordinator scope
// as that side effect (§4.6), or P2 does not hold across a crash.
type LedgerRepository interface {
	Seen(ctx context.Context, operationID string) (bool, error)
	Record(ctx context.Context, entry domain.LedgerEntry) error
}

type ledgerRepository struct {
	client *kivik.Client
	dbName string
}

func NewLedgerRepository(client *kivik.Client, dbName string) LedgerRepository {
	return &ledgerRepository{client: client, dbName: dbName}
}

func (r *ledgerRepository) db() *kivik.DB {
	return r.client.DB(r.dbName)
}

func (r *ledgerRepository) Seen(ctx context.Context, operationID string) (bool, error) {
	row := r.db().Get(ctx, operationID)

	var entry domain.LedgerEntry
	if err := row.ScanDoc(&entry); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check ledger %s: %w", operationID, err)
	}
	return true, nil
}

// Record writes an entry keyed by operationId; CouchDB's document-id
// uniqueness is what makes a duplicate write fail (§4.2).
func (r *ledgerRepository) Record(ctx context.Context, entry domain.LedgerEntry) error {
	entry.ProcessedAt = time.Now()

	_, err := r.db().Put(ctx, entry.OperationID, entry)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return fmt.Errorf("ledger entry %s already recorded: %w", entry.OperationID, ErrDuplicate)
		}
		return fmt.Errorf("record ledger %s: %w", entry.OperationID, err)
	}
	return nil
}
