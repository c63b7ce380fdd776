package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"zenchat/database"
	"zenchat/logging"
	"zenchat/middleware"
	"zenchat/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// GetMessages returns a page of the caller's log with a user or group,
// counted back from the newest message
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}
	peerID := mux.Vars(r)["peerId"]

	limit := defaultPageSize
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	key := models.DirectKey(user.ID, peerID)
	if group, err := h.store.GetGroup(r.Context(), peerID); err == nil {
		if !group.IsMember(user.ID) {
			writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
			return
		}
		key = models.GroupKey(group.ID)
	}

	messages, err := database.ReadLogPage(r.Context(), h.store, key, limit, offset)
	if err != nil {
		storeError(r.Context(), w, err, "get messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// MarkAsRead marks messages from a user as read and tells that user
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}
	peerID := mux.Vars(r)["peerId"]

	ids, err := database.MarkConversationRead(r.Context(), h.store, user.ID, peerID)
	if err != nil {
		storeError(r.Context(), w, err, "mark as read")
		return
	}

	if h.notifier != nil {
		for _, id := range ids {
			h.notifier.Notify(peerID, models.EventMessageAck, models.AckPayload{
				MessageID: id,
				Status:    models.StatusRead,
				SenderID:  peerID,
				FromID:    user.ID,
			})
		}
	}
	logging.Ctx(r.Context()).Debug().Str("peer_id", peerID).Int("count", len(ids)).Msg("Marked conversation read")

	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"messageIds": ids})
}
