package wire

import (
	"encoding/json"
	"net/http"

	"todosync/internal/domain"
)

type resolveRequestDTO struct {
	Resolution   string          `json:"resolution"`
	ResolvedData json.RawMessage `json:"resolvedData"`
}

// resolvedDataDTO is the CUSTOM resolution payload: the record already
// has an id (the conflict's recordId), so unlike createDataDTO this
// carries no id of its own.
type resolvedDataDTO struct {
	Title   string  `json:"title" validate:"required,max=200"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

// ResolveRequest is a decoded, validated PUT /api/conflicts/:id/resolve
// body. CustomData is nil unless Choice is CUSTOM.
type ResolveRequest struct {
	Choice     domain.ResolutionChoice
	CustomData *domain.MutableFields
}

// DecodeResolveRequest validates the resolve body (§4.5, §6). CUSTOM
// requires resolvedData with at least a title.
func DecodeResolveRequest(r *http.Request) (ResolveRequest, error) {
	var dto resolveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		return ResolveRequest{}, shapeErr("malformed JSON body: %v", err)
	}

	choice := domain.ResolutionChoice(dto.Resolution)
	if !choice.Valid() {
		return ResolveRequest{}, shapeErr("invalid resolution %q", dto.Resolution)
	}

	req := ResolveRequest{Choice: choice}

	if choice == domain.ResolutionCustom {
		if len(dto.ResolvedData) == 0 {
			return ResolveRequest{}, shapeErr("resolvedData is required for CUSTOM resolution")
		}
		var d resolvedDataDTO
		if err := json.Unmarshal(dto.ResolvedData, &d); err != nil {
			return ResolveRequest{}, shapeErr("invalid resolvedData: %v", err)
		}
		if err := validate.Struct(d); err != nil {
			return ResolveRequest{}, shapeErr("resolvedData: %v", err)
		}
		fields := domain.MutableFields{Title: &d.Title, Content: d.Content}
		if d.Status != nil {
			status := domain.Status(*d.Status)
			if !status.Valid() {
				return ResolveRequest{}, shapeErr("invalid resolvedData.status %q", *d.Status)
			}
			fields.Status = &status
		}
		req.CustomData = &fields
	}

	return req, nil
}
