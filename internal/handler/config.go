package handler

import (
	"net/http"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/push"
)

// ConfigHandler serves public configuration (ICE servers, push keys).
type ConfigHandler struct {
	cfg    *config.Config
	sender *push.Sender
}

func NewConfigHandler(cfg *config.Config, sender *push.Sender) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, sender: sender}
}

// GetCallConfig returns the ICE servers clients use for WebRTC (no auth).
func (h *ConfigHandler) GetCallConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ice_servers": h.cfg.CallICEServers,
	})
}

// GetPushConfig returns the public VAPID key for push subscriptions.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.sender == nil || !h.sender.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.sender.PublicKey(),
	})
}
