package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/presence"
	"github.com/chatrelay/internal/storage"
)

// PresenceHandler serves presence snapshots over HTTP for clients that poll
// instead of holding a socket.
type PresenceHandler struct {
	pub   *presence.Publisher
	cache storage.PresenceCache
}

func NewPresenceHandler(pub *presence.Publisher, cache storage.PresenceCache) *PresenceHandler {
	return &PresenceHandler{pub: pub, cache: cache}
}

// Online returns the ids of everyone with a live connection on this node.
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": h.pub.Snapshot()})
}

// LastSeen returns when a user was last connected. Zero when never seen.
func (h *PresenceHandler) LastSeen(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	last, err := h.cache.LastSeen(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load last seen")
		return
	}
	resp := map[string]any{"user_id": userID}
	if !last.IsZero() {
		resp["last_seen_at"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}
