package txn

import "todosync/internal/domain"

// RecordKey identifies a record's coordinator lock.
func RecordKey(kind domain.Kind, id string) string {
	return "record:" + string(kind) + ":" + id
}

// OperationKey identifies an operationId's coordinator lock, covering
// both the ledger entry and the conflict record that share that id.
func OperationKey(operationID string) string {
	return "op:" + operationID
}
