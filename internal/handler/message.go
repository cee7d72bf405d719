package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/internal/delivery"
	"github.com/chatrelay/internal/fanout"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

// HistoryStore serves conversation pages for the history endpoint.
type HistoryStore interface {
	DirectHistory(ctx context.Context, userID, peerID string, limit, offset int) ([]model.Message, error)
	GroupHistory(ctx context.Context, groupID, userID string, limit, offset int) ([]model.Message, error)
}

// MembershipStore answers whether a user belongs to a group.
type MembershipStore interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// MessageHandler exposes the message operations over HTTP. Every operation
// funnels into the same coordination components the WebSocket dispatcher uses,
// so both entry points share semantics.
type MessageHandler struct {
	router  *fanout.Router
	tracker *delivery.Tracker
	msgs    HistoryStore
	groups  MembershipStore
	reacts  *repository.ReactionRepository
}

func NewMessageHandler(router *fanout.Router, tracker *delivery.Tracker, msgs HistoryStore, groups MembershipStore, reacts *repository.ReactionRepository) *MessageHandler {
	return &MessageHandler{router: router, tracker: tracker, msgs: msgs, groups: groups, reacts: reacts}
}

type sendMessageRequest struct {
	To            string `json:"to,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	ReplyToID     string `json:"reply_to_id,omitempty"`
}

// Send creates a direct or group message and fans it out.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if (req.To == "") == (req.GroupID == "") {
		writeError(w, http.StatusBadRequest, "exactly one of to or group_id required")
		return
	}

	var (
		m   any
		err error
	)
	if req.GroupID != "" {
		m, err = h.router.SendGroup(r.Context(), userID, req.GroupID, req.Body, req.AttachmentRef, req.ReplyToID)
	} else {
		m, err = h.router.SendDirect(r.Context(), userID, req.To, req.Body, req.AttachmentRef, req.ReplyToID)
	}
	if err != nil {
		switch {
		case errors.Is(err, fanout.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "body or attachment required")
		case errors.Is(err, fanout.ErrNotMember):
			writeError(w, http.StatusForbidden, "not a member")
		default:
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// History returns a conversation page: ?peer= for a direct conversation,
// ?group_id= for a group the caller belongs to.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	peer := r.URL.Query().Get("peer")
	groupID := r.URL.Query().Get("group_id")
	if (peer == "") == (groupID == "") {
		writeError(w, http.StatusBadRequest, "exactly one of peer or group_id required")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var (
		msgs []model.Message
		err  error
	)
	if groupID != "" {
		isMember, merr := h.groups.IsMember(r.Context(), groupID, userID)
		if merr != nil {
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		if !isMember {
			writeError(w, http.StatusForbidden, "not a member")
			return
		}
		msgs, err = h.msgs.GroupHistory(r.Context(), groupID, userID, limit, offset)
	} else {
		msgs, err = h.msgs.DirectHistory(r.Context(), userID, peer, limit, offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// MarkDelivered acknowledges receipt of a direct message.
func (h *MessageHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.markStatus(w, r, true)
}

// MarkSeen acknowledges that the recipient viewed a direct message.
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	h.markStatus(w, r, false)
}

func (h *MessageHandler) markStatus(w http.ResponseWriter, r *http.Request, delivered bool) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "messageId")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "message id required")
		return
	}
	var err error
	if delivered {
		err = h.tracker.MarkDelivered(r.Context(), messageID, userID)
	} else {
		err = h.tracker.MarkSeen(r.Context(), messageID, userID)
	}
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrForbidden):
			writeError(w, http.StatusForbidden, "not the recipient")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update status")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editMessageRequest struct {
	Body string `json:"body"`
}

// Edit replaces the body of the caller's own message.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "messageId")
	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body required")
		return
	}
	if err := h.router.Edit(r.Context(), userID, messageID, req.Body); err != nil {
		switch {
		case errors.Is(err, fanout.ErrForbidden):
			writeError(w, http.StatusForbidden, "can only edit own messages")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to edit")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a message for everyone (author only) or hides it for the
// caller (mode=me).
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "messageId")
	forEveryone := r.URL.Query().Get("mode") != "me"
	if err := h.router.Delete(r.Context(), userID, messageID, forEveryone); err != nil {
		switch {
		case errors.Is(err, fanout.ErrForbidden):
			writeError(w, http.StatusForbidden, "can only delete own messages")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to delete")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// AddReaction attaches an emoji reaction.
func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, false)
}

// RemoveReaction retracts a previously added reaction.
func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, true)
}

func (h *MessageHandler) react(w http.ResponseWriter, r *http.Request, remove bool) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "messageId")
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}
	if err := h.router.React(r.Context(), userID, messageID, req.Emoji, remove); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update reaction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetReactions lists all reactions on a message.
func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	reactions, err := h.reacts.GetByMessage(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load reactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

// Pin marks a message as pinned in its conversation.
func (h *MessageHandler) Pin(w http.ResponseWriter, r *http.Request) {
	h.pin(w, r, true)
}

// Unpin clears the pin.
func (h *MessageHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	h.pin(w, r, false)
}

func (h *MessageHandler) pin(w http.ResponseWriter, r *http.Request, pin bool) {
	userID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "messageId")
	var err error
	if pin {
		err = h.router.Pin(r.Context(), userID, messageID)
	} else {
		err = h.router.Unpin(r.Context(), userID, messageID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update pin")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkGroupRead acknowledges everything unread in a group for the caller.
func (h *MessageHandler) MarkGroupRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "groupId")
	if err := h.router.MarkGroupRead(r.Context(), groupID, userID); err != nil {
		if errors.Is(err, fanout.ErrNotMember) {
			writeError(w, http.StatusForbidden, "not a member")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
