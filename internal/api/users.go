package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"drilunia/internal/db"
	"drilunia/internal/models"
	"drilunia/internal/ws"
)

type UserHandler struct {
	users *db.UserRepository
	hub   *ws.Hub
}

func NewUserHandler(users *db.UserRepository, hub *ws.Hub) *UserHandler {
	return &UserHandler{users: users, hub: hub}
}

// PublicUser is the profile visible to other users. Presence fields honor
// the owner's privacy settings.
type PublicUser struct {
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	IsOnline    *bool   `json:"isOnline,omitempty"`
	LastSeen    *string `json:"lastSeen,omitempty"`
	AllowCalls  bool    `json:"allowCalls"`
}

// GET /api/v1/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetUser(r))
}

type UpdateMeRequest struct {
	DisplayName  *string `json:"displayName,omitempty" validate:"omitempty,min=1,max=64"`
	AvatarURL    *string `json:"avatarUrl,omitempty" validate:"omitempty,url,max=512"`
	ShowOnline   *bool   `json:"showOnline,omitempty"`
	ShowLastSeen *bool   `json:"showLastSeen,omitempty"`
	AllowCalls   *bool   `json:"allowCalls,omitempty"`
}

// PATCH /api/v1/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r)

	var req UpdateMeRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if req.DisplayName != nil || req.AvatarURL != nil {
		displayName := user.DisplayName
		if req.DisplayName != nil {
			displayName = strings.TrimSpace(*req.DisplayName)
			if displayName == "" {
				badRequest(w, "displayName cannot be empty")
				return
			}
		}
		avatarURL := user.AvatarURL
		if req.AvatarURL != nil {
			avatarURL = req.AvatarURL
		}
		if err := h.users.UpdateProfile(user.ID, displayName, avatarURL); err != nil {
			slog.Error("error updating profile", "component", "api", "user_id", user.ID, "error", err)
			internalError(w)
			return
		}
	}

	if req.ShowOnline != nil || req.ShowLastSeen != nil || req.AllowCalls != nil {
		showOnline := user.ShowOnline
		showLastSeen := user.ShowLastSeen
		allowCalls := user.AllowCalls
		if req.ShowOnline != nil {
			showOnline = *req.ShowOnline
		}
		if req.ShowLastSeen != nil {
			showLastSeen = *req.ShowLastSeen
		}
		if req.AllowCalls != nil {
			allowCalls = *req.AllowCalls
		}
		if err := h.users.UpdateSettings(user.ID, showOnline, showLastSeen, allowCalls); err != nil {
			slog.Error("error updating settings", "component", "api", "user_id", user.ID, "error", err)
			internalError(w)
			return
		}
	}

	updated, err := h.users.FindByID(user.ID)
	if err != nil {
		slog.Error("error reloading user", "component", "api", "user_id", user.ID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// GET /api/v1/users/{id}
func (h *UserHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	user, err := h.users.FindByID(id)
	if errors.Is(err, db.ErrNotFound) {
		notFound(w, "User not found")
		return
	}
	if err != nil {
		slog.Error("error finding user", "component", "api", "error", err)
		internalError(w)
		return
	}
	if !user.IsActive {
		notFound(w, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, h.publicView(user))
}

func (h *UserHandler) publicView(user *models.User) *PublicUser {
	view := &PublicUser{
		ID:          user.ID,
		Handle:      user.Handle,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		AllowCalls:  user.AllowCalls,
	}

	if user.ShowOnline {
		online := h.hub.IsOnline(user.ID)
		view.IsOnline = &online
	}
	if user.ShowLastSeen && !user.LastSeen.IsZero() {
		lastSeen := user.LastSeen.UTC().Format(time.RFC3339)
		view.LastSeen = &lastSeen
	}

	return view
}

type PushTokenRequest struct {
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=android ios web"`
	DeviceID string `json:"deviceId" validate:"required,max=128"`
}

// PUT /api/v1/users/me/push-tokens
func (h *UserHandler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	var req PushTokenRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := h.users.SetPushToken(userID, req.Token, req.Platform, req.DeviceID); err != nil {
		slog.Error("error registering push token", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Push token registered"})
}

// DELETE /api/v1/users/me/push-tokens/{deviceID}
func (h *UserHandler) RemovePushToken(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.users.RemovePushToken(userID, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(w, "Push token not found")
			return
		}
		slog.Error("error removing push token", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
