// Package wire is the Wire Layer (C7, §4.7): decodes and validates the
// sync batch request before it reaches the Sync Processor, and encodes
// results back into the exact response envelopes §6 defines.
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"

	"todosync/internal/domain"

	"github.com/go-playground/validator/v10"
)

// validate handles the static, per-field constraints that a struct tag
// can express (required, max length); the cross-field and per-action
// constraints below it (batch length, duplicate operationId, kind-gated
// status) can't be expressed as tags and stay hand-written, the same
// mix the teacher uses between validator.Struct and handler-side checks.
var validate = validator.New()

// ShapeViolation is a pre-dispatch 400: the whole batch is rejected and
// the Sync Processor never sees it.
type ShapeViolation struct {
	Reason string
}

func (e *ShapeViolation) Error() string { return e.Reason }

func shapeErr(format string, args ...interface{}) *ShapeViolation {
	return &ShapeViolation{Reason: fmt.Sprintf(format, args...)}
}

// operationDTO mirrors the batch request's per-operation JSON shape.
// "table" is the wire name for what the domain calls Kind (§6).
type operationDTO struct {
	OperationID string          `json:"operationId"`
	Action      string          `json:"action"`
	Table       string          `json:"table"`
	Data        json.RawMessage `json:"data"`
}

type batchRequestDTO struct {
	Operations []operationDTO `json:"operations"`
}

// createDataDTO covers both kinds' CREATE payload; Status is ignored
// for notes.
type createDataDTO struct {
	ID      string  `json:"id" validate:"required"`
	Title   string  `json:"title" validate:"required,max=200"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

// mutateDataDTO covers UPDATE/DELETE payloads: id + version are
// mandatory, the rest are the mutated fields (UPDATE only).
type mutateDataDTO struct {
	ID      string  `json:"id" validate:"required"`
	Version *int64  `json:"version" validate:"required,gt=0"`
	Title   *string `json:"title" validate:"omitempty,min=1,max=200"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

const maxBatchLen = 100

// DecodeBatch parses and validates r's body per §4.7. Any violation
// returns a *ShapeViolation and the request never reaches the
// processor.
func DecodeBatch(r *http.Request) ([]domain.Operation, error) {
	var dto batchRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		return nil, shapeErr("malformed JSON body: %v", err)
	}

	if len(dto.Operations) < 1 || len(dto.Operations) > maxBatchLen {
		return nil, shapeErr("operations length must be between 1 and %d, got %d", maxBatchLen, len(dto.Operations))
	}

	seen := make(map[string]struct{}, len(dto.Operations))
	ops := make([]domain.Operation, len(dto.Operations))

	for i, raw := range dto.Operations {
		if raw.OperationID == "" {
			return nil, shapeErr("operations[%d]: operationId is required", i)
		}
		if _, dup := seen[raw.OperationID]; dup {
			return nil, shapeErr("operations[%d]: duplicate operationId %q within batch", i, raw.OperationID)
		}
		seen[raw.OperationID] = struct{}{}

		action := domain.Action(raw.Action)
		if !action.Valid() {
			return nil, shapeErr("operations[%d]: invalid action %q", i, raw.Action)
		}

		kind := domain.Kind(raw.Table)
		if !kind.Valid() {
			return nil, shapeErr("operations[%d]: invalid table %q", i, raw.Table)
		}

		op, err := decodeOperation(i, raw.OperationID, action, kind, raw.Data)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}

	return ops, nil
}

func decodeOperation(index int, operationID string, action domain.Action, kind domain.Kind, data json.RawMessage) (domain.Operation, error) {
	if action == domain.ActionCreate {
		return decodeCreate(index, operationID, kind, data)
	}
	return decodeMutate(index, operationID, action, kind, data)
}

func decodeCreate(index int, operationID string, kind domain.Kind, data json.RawMessage) (domain.Operation, error) {
	var d createDataDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Operation{}, shapeErr("operations[%d]: invalid data: %v", index, err)
	}
	if err := validate.Struct(d); err != nil {
		return domain.Operation{}, shapeErr("operations[%d]: %v", index, err)
	}

	fields := domain.MutableFields{Title: &d.Title, Content: d.Content}

	if kind == domain.KindTodos && d.Status != nil {
		status := domain.Status(*d.Status)
		if !status.Valid() {
			return domain.Operation{}, shapeErr("operations[%d]: invalid status %q", index, *d.Status)
		}
		fields.Status = &status
	}

	return domain.Operation{
		OperationID:   operationID,
		Action:        domain.ActionCreate,
		Kind:          kind,
		RecordID:      d.ID,
		MutableFields: fields,
	}, nil
}

func decodeMutate(index int, operationID string, action domain.Action, kind domain.Kind, data json.RawMessage) (domain.Operation, error) {
	var d mutateDataDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Operation{}, shapeErr("operations[%d]: invalid data: %v", index, err)
	}
	if err := validate.Struct(d); err != nil {
		return domain.Operation{}, shapeErr("operations[%d]: %v", index, err)
	}

	op := domain.Operation{
		OperationID:   operationID,
		Action:        action,
		Kind:          kind,
		RecordID:      d.ID,
		ClientVersion: *d.Version,
	}

	if action == domain.ActionUpdate {
		op.Title = d.Title
		op.Content = d.Content
		if kind == domain.KindTodos && d.Status != nil {
			status := domain.Status(*d.Status)
			if !status.Valid() {
				return domain.Operation{}, shapeErr("operations[%d]: invalid status %q", index, *d.Status)
			}
			op.Status = &status
		}
	}

	return op, nil
}

// EncodeBatchResponse writes the §6 sync response envelope.
func EncodeBatchResponse(w http.ResponseWriter, result domain.BatchResult) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Sync completed",
		"data":    result,
	})
}

// EncodeShapeViolation writes the §6 400 envelope for a rejected batch.
func EncodeShapeViolation(w http.ResponseWriter, err *ShapeViolation) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"message": err.Reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
