package handler

import (
	"errors"
	"net/http"

	"todosync/internal/domain"
	"todosync/internal/repository"
	"todosync/internal/resolver"
	"todosync/internal/wire"

	"github.com/gorilla/mux"
)

type ConflictHandler struct {
	conflicts repository.ConflictRepository
	resolver  *resolver.Resolver
}

func NewConflictHandler(conflicts repository.ConflictRepository, resolver *resolver.Resolver) *ConflictHandler {
	return &ConflictHandler{conflicts: conflicts, resolver: resolver}
}

// List is GET /api/conflicts?status=&kind= (§4.3, §6).
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := domain.ConflictFilter{
		Status: domain.ConflictStatus(r.URL.Query().Get("status")),
		Kind:   domain.Kind(r.URL.Query().Get("kind")),
	}

	conflicts, err := h.conflicts.List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": conflicts})
}

// Get is GET /api/conflicts/:id.
func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conflict, err := h.conflicts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "conflict not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": conflict})
}

// Stats is GET /api/conflicts/stats (§4.3 stats()).
func (h *ConflictHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.conflicts.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": stats})
}

// Resolve is PUT /api/conflicts/:id/resolve (§4.5).
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	req, err := wire.DecodeResolveRequest(r)
	if err != nil {
		var shapeErr *wire.ShapeViolation
		if errors.As(err, &shapeErr) {
			wire.EncodeShapeViolation(w, shapeErr)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conflict, err := h.resolver.Resolve(r.Context(), id, req.Choice, req.CustomData)
	if err != nil {
		writeResolverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "conflict resolved",
		"data":    conflict,
	})
}

// Dismiss is PUT /api/conflicts/:id/dismiss (§4.5).
func (h *ConflictHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conflict, err := h.resolver.Dismiss(r.Context(), id)
	if err != nil {
		writeResolverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "conflict dismissed",
		"data":    conflict,
	})
}

func writeResolverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "conflict not found")
	case errors.Is(err, repository.ErrIllegalState):
		writeJSONError(w, http.StatusBadRequest, "conflict is not pending")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
