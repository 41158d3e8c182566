package handler

import (
	"errors"
	"net/http"
	"time"

	"todosync/internal/sync"
	"todosync/internal/wire"
)

type SyncHandler struct {
	processor *sync.Processor
}

func NewSyncHandler(processor *sync.Processor) *SyncHandler {
	return &SyncHandler{processor: processor}
}

// ProcessSync is POST /api/sync (§4.4, §6).
func (h *SyncHandler) ProcessSync(w http.ResponseWriter, r *http.Request) {
	ops, err := wire.DecodeBatch(r)
	if err != nil {
		var shapeErr *wire.ShapeViolation
		if errors.As(err, &shapeErr) {
			wire.EncodeShapeViolation(w, shapeErr)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := h.processor.ProcessBatch(r.Context(), ops)
	wire.EncodeBatchResponse(w, result)
}

// Health is GET /api/sync/health (§6).
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}
