package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"zenchat/logging"
	"zenchat/middleware"
	"zenchat/models"
)

type createGroupRequest struct {
	Name      string           `json:"name" validate:"required,min=1,max=64"`
	Type      models.GroupType `json:"type" validate:"omitempty,oneof=group channel"`
	MemberIDs []string         `json:"memberIds" validate:"max=256"`
	Avatar    string           `json:"avatar" validate:"max=2097152"`
	OwnerID   string           `json:"ownerId"`
}

// CreateGroup creates a group or channel owned by the caller
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated", "UNAUTHORIZED")
		return
	}

	var req createGroupRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OwnerID != "" && req.OwnerID != user.ID {
		writeError(w, http.StatusForbidden, "Groups are owned by their creator", "FORBIDDEN")
		return
	}

	group, err := h.store.CreateGroup(r.Context(), req.Name, req.Type, req.MemberIDs, req.Avatar, user.ID)
	if err != nil {
		storeError(r.Context(), w, err, "create group")
		return
	}
	logging.Ctx(r.Context()).Info().
		Str("group_id", group.ID).
		Str("type", string(group.Type)).
		Int("members", len(group.MemberIDs)).
		Msg("Group created")
	writeJSON(w, http.StatusOK, group)
}

// GetGroup returns a group the caller belongs to
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated", "UNAUTHORIZED")
		return
	}

	group, err := h.store.GetGroup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(r.Context(), w, err, "get group")
		return
	}
	if !group.IsMember(user.ID) {
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, group)
}
