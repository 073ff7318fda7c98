package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"drilunia/internal/db"
	"drilunia/internal/models"
)

type MessageHandler struct {
	messages *db.MessageRepository
	users    *db.UserRepository

	editGraceWindow time.Duration
	historyMaxLimit int
}

func NewMessageHandler(messages *db.MessageRepository, users *db.UserRepository, editGraceWindow time.Duration, historyMaxLimit int) *MessageHandler {
	return &MessageHandler{
		messages:        messages,
		users:           users,
		editGraceWindow: editGraceWindow,
		historyMaxLimit: historyMaxLimit,
	}
}

// GET /api/v1/messages?with={userID}&before={RFC3339}&limit={n}
func (h *MessageHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	peerID := strings.TrimSpace(r.URL.Query().Get("with"))
	if peerID == "" {
		badRequest(w, "Query parameter 'with' is required")
		return
	}

	limit, before, errMessage, ok := h.parseConversationQuery(r)
	if !ok {
		badRequest(w, errMessage)
		return
	}

	if _, err := h.users.FindByID(peerID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "User not found")
			return
		}
		slog.Error("error finding user", "component", "api", "error", err)
		internalError(w)
		return
	}

	messages, err := h.messages.Conversation(userID, peerID, before, limit)
	if err != nil {
		slog.Error("error loading conversation", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *MessageHandler) parseConversationQuery(r *http.Request) (int, *time.Time, string, bool) {
	limit := 0
	if limitStr := strings.TrimSpace(r.URL.Query().Get("limit")); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, nil, "Query parameter 'limit' must be an integer", false
		}
		if parsed <= 0 || parsed > h.historyMaxLimit {
			return 0, nil, "Query parameter 'limit' is out of range", false
		}
		limit = parsed
	}

	var before *time.Time
	if beforeStr := strings.TrimSpace(r.URL.Query().Get("before")); beforeStr != "" {
		parsed, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return 0, nil, "Query parameter 'before' must be an RFC 3339 timestamp", false
		}
		before = &parsed
	}

	return limit, before, "", true
}

// GET /api/v1/messages/unread
func (h *MessageHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	messages, err := h.messages.Unread(userID)
	if err != nil {
		slog.Error("error loading unread messages", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type DeliveredAckRequest struct {
	Sender     string   `json:"sender" validate:"required"`
	MessageIDs []string `json:"messageIds" validate:"required,min=1,max=200"`
}

// POST /api/v1/messages/delivered
//
// Acknowledges backlog fetched while offline. Only messages addressed to the
// caller advance, and only from the sent state.
func (h *MessageHandler) AckDelivered(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	var req DeliveredAckRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	count, err := h.messages.AdvanceStatus(req.MessageIDs, req.Sender, userID, models.StatusDelivered)
	if err != nil {
		slog.Error("error acking delivery", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"updated": count})
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=5000"`
}

// PATCH /api/v1/messages/{id}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	messageID := chi.URLParam(r, "id")

	var req EditMessageRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	message, err := h.messages.Edit(messageID, userID, strings.TrimSpace(req.Content), h.editGraceWindow)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			notFound(w, "Message not found")
		case errors.Is(err, db.ErrForbidden):
			forbidden(w, "Only the sender can edit a message")
		case errors.Is(err, db.ErrEditWindowExpired):
			forbidden(w, "Edit window has expired")
		default:
			slog.Error("error editing message", "component", "api", "user_id", userID, "error", err)
			internalError(w)
		}
		return
	}

	writeJSON(w, http.StatusOK, message)
}

// DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	messageID := chi.URLParam(r, "id")

	if err := h.messages.SoftDelete(messageID, userID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			notFound(w, "Message not found")
		case errors.Is(err, db.ErrForbidden):
			forbidden(w, "Only the sender can delete a message")
		default:
			slog.Error("error deleting message", "component", "api", "user_id", userID, "error", err)
			internalError(w)
		}
		return
	}

	deleted, err := h.messages.FindByID(messageID)
	if err != nil {
		slog.Error("error loading deleted message", "component", "api", "message_id", messageID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, deleted.Tombstone())
}

type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=16"`
}

// PUT /api/v1/messages/{id}/reactions
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	messageID := chi.URLParam(r, "id")

	var req ReactionRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := h.messages.React(messageID, userID, req.Emoji); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "Message not found")
			return
		}
		slog.Error("error adding reaction", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Reaction saved"})
}

// DELETE /api/v1/messages/{id}/reactions
func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	messageID := chi.URLParam(r, "id")

	if err := h.messages.Unreact(messageID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "Reaction not found")
			return
		}
		slog.Error("error removing reaction", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
