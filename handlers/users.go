package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"zenchat/middleware"
	"zenchat/models"
)

// UpdateUser applies a partial profile edit to the caller's own account
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := self(w, r, mux.Vars(r)["id"]); !ok {
		return
	}

	var upd models.UserUpdate
	if !decode(w, r, &upd) {
		return
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		writeError(w, http.StatusBadRequest, "name must not be blank", "VALIDATION")
		return
	}

	user, err := h.store.UpdateUser(r.Context(), mux.Vars(r)["id"], upd)
	if err != nil {
		storeError(r.Context(), w, err, "update user")
		return
	}
	writeJSON(w, http.StatusOK, user.ToProfile())
}

// SearchUsers matches name, username or email, excluding excludeId
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exclude := q.Get("excludeId")
	if exclude == "" {
		if user := middleware.GetUserFromContext(r); user != nil {
			exclude = user.ID
		}
	}

	results, err := h.store.SearchUsers(r.Context(), q.Get("query"), exclude)
	if err != nil {
		storeError(r.Context(), w, err, "search users")
		return
	}
	for i := range results {
		results[i].Online = h.online(results[i].ID)
	}
	if results == nil {
		results = []models.ProfileSummary{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Sync returns the caller's full snapshot with live presence filled in
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if _, ok := self(w, r, userID); !ok {
		return
	}

	snap, err := h.store.ReadSnapshot(r.Context(), userID)
	if err != nil {
		storeError(r.Context(), w, err, "load snapshot")
		return
	}
	h.decorate(snap)
	writeJSON(w, http.StatusOK, snap)
}

// decorate sets online flags and lists the assistant contact
func (h *Handler) decorate(snap *models.Snapshot) {
	assistantID := ""
	if h.cfg.Assistant.Enabled {
		assistantID = h.cfg.Assistant.ContactID
	}

	listed := false
	for i := range snap.Contacts {
		c := &snap.Contacts[i]
		if c.Kind != models.KindUser {
			continue
		}
		if c.ID == assistantID {
			listed = true
			c.Name = AssistantName
			c.Online = true
			if c.User != nil {
				c.User.Name = AssistantName
				c.User.Online = true
			}
			continue
		}
		c.Online = h.online(c.ID)
		if c.User != nil {
			c.User.Online = c.Online
		}
	}

	if assistantID != "" && !listed {
		conv := models.UserConversation(models.ProfileSummary{ID: assistantID, Name: AssistantName, Online: true})
		snap.Contacts = append(snap.Contacts, models.Summary{Conversation: conv, Online: true})
	}
}

// SaveSettings stores the caller's preferences
func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, ok := self(w, r, userID); !ok {
		return
	}

	var settings models.Settings
	if !decode(w, r, &settings) {
		return
	}
	if err := h.store.SaveSettings(r.Context(), userID, &settings); err != nil {
		storeError(r.Context(), w, err, "save settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
