package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"drilunia/internal/auth"
	"drilunia/internal/db"
	"drilunia/internal/email"
	"drilunia/internal/models"
	"drilunia/internal/ws"
)

const verificationCodeTTL = 15 * time.Minute

var handleRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

type AuthHandler struct {
	users         *db.UserRepository
	refreshTokens *db.RefreshTokenRepository
	jwtService    *auth.JWTService
	emailService  *email.SMTPService
	hub           *ws.Hub

	loginAttemptMax int
	lockoutDuration time.Duration
}

func NewAuthHandler(
	users *db.UserRepository,
	refreshTokens *db.RefreshTokenRepository,
	jwtService *auth.JWTService,
	emailService *email.SMTPService,
	hub *ws.Hub,
	loginAttemptMax int,
	lockoutDuration time.Duration,
) *AuthHandler {
	return &AuthHandler{
		users:           users,
		refreshTokens:   refreshTokens,
		jwtService:      jwtService,
		emailService:    emailService,
		hub:             hub,
		loginAttemptMax: loginAttemptMax,
		lockoutDuration: lockoutDuration,
	}
}

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Handle      string `json:"handle" validate:"required,min=3,max=32"`
	DisplayName string `json:"displayName" validate:"required,min=1,max=64"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
}

type AuthResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    string       `json:"expiresAt"`
}

// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	handle := strings.TrimSpace(req.Handle)
	if !handleRegex.MatchString(handle) {
		badRequest(w, "Handle must be 3-32 characters and contain only letters, numbers, underscores, and hyphens")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("error hashing password", "component", "api", "error", err)
		internalError(w)
		return
	}

	code, err := auth.GenerateVerificationCode()
	if err != nil {
		slog.Error("error generating verification code", "component", "api", "error", err)
		internalError(w)
		return
	}

	user, err := h.users.Create(db.CreateUserParams{
		Email:               req.Email,
		Handle:              handle,
		DisplayName:         strings.TrimSpace(req.DisplayName),
		PasswordHash:        passwordHash,
		VerificationCode:    code,
		VerificationExpires: time.Now().Add(verificationCodeTTL),
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			conflict(w, "Email or handle already registered")
			return
		}
		slog.Error("error creating user", "component", "api", "error", err)
		internalError(w)
		return
	}

	if h.emailService.Enabled() {
		if err := h.emailService.SendVerificationCode(user.Email, code, verificationCodeTTL); err != nil {
			slog.Error("error sending verification email", "component", "api", "user_id", user.ID, "error", err)
		}
	} else {
		slog.Info("email verification code issued", "component", "api", "user_id", user.ID, "code", code)
	}

	authResponse, err := h.issueSession(user)
	if err != nil {
		slog.Error("error issuing auth tokens", "component", "api", "user_id", user.ID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse)
}

type LoginRequest struct {
	// Identifier is an email address or a handle.
	Identifier string `json:"identifier" validate:"required,max=254"`
	Password   string `json:"password" validate:"required,max=128"`
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	identifier := strings.ToLower(strings.TrimSpace(req.Identifier))

	user, err := h.users.FindByEmail(identifier)
	if errors.Is(err, db.ErrNotFound) {
		user, err = h.users.FindByHandle(identifier)
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid credentials")
			return
		}
		slog.Error("error finding user", "component", "api", "error", err)
		internalError(w)
		return
	}

	now := time.Now()
	if user.Locked(now) {
		writeError(w, http.StatusForbidden, ErrCodeAccountLocked, "Account is temporarily locked; try again later")
		return
	}
	if user.IsBlocked {
		writeError(w, http.StatusForbidden, ErrCodeAccountBlocked, "Account is blocked")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid credentials")
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		if err := h.users.IncrementLoginAttempts(user.ID, h.loginAttemptMax, h.lockoutDuration); err != nil {
			slog.Error("error recording failed login", "component", "api", "user_id", user.ID, "error", err)
		}
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid credentials")
		return
	}

	if user.LoginAttempts > 0 || user.LockUntil != nil {
		if err := h.users.ResetLoginAttempts(user.ID); err != nil {
			slog.Error("error resetting login attempts", "component", "api", "user_id", user.ID, "error", err)
		}
	}

	authResponse, err := h.issueSession(user)
	if err != nil {
		slog.Error("error issuing auth tokens", "component", "api", "user_id", user.ID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, authResponse)
}

type VerifyEmailRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// POST /api/v1/auth/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r)

	var req VerifyEmailRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	if user.EmailVerified {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Email already verified"})
		return
	}

	if user.VerificationCode == nil || *user.VerificationCode != req.Code {
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid verification code")
		return
	}
	if user.VerificationExpires == nil || time.Now().After(*user.VerificationExpires) {
		writeError(w, http.StatusUnauthorized, ErrCodeTokenExpired, "Verification code has expired")
		return
	}

	if err := h.users.MarkEmailVerified(user.ID); err != nil {
		slog.Error("error marking email verified", "component", "api", "user_id", user.ID, "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	tokenHash := auth.HashRefreshToken(req.RefreshToken)
	refreshToken, err := h.refreshTokens.FindByHash(tokenHash)
	if errors.Is(err, db.ErrNotFound) {
		unauthorized(w, "Invalid refresh token")
		return
	}
	if err != nil {
		slog.Error("error finding refresh token", "component", "api", "error", err)
		internalError(w)
		return
	}

	if refreshToken.RevokedAt != nil {
		unauthorized(w, "Refresh token has been revoked")
		return
	}
	if time.Now().After(refreshToken.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, ErrCodeTokenExpired, "Refresh token has expired")
		return
	}

	user, err := h.users.FindByID(refreshToken.UserID)
	if errors.Is(err, db.ErrNotFound) {
		unauthorized(w, "User not found")
		return
	}
	if err != nil {
		slog.Error("error finding user", "component", "api", "error", err)
		internalError(w)
		return
	}
	if !user.IsActive || user.IsBlocked {
		unauthorized(w, "Account is not usable")
		return
	}

	tokenPair, newRefreshHash, err := h.jwtService.GenerateTokenPair(user)
	if err != nil {
		slog.Error("error generating refreshed token pair", "component", "api", "error", err)
		internalError(w)
		return
	}

	if err := h.refreshTokens.Rotate(refreshToken.ID, user.ID, newRefreshHash, h.jwtService.RefreshTokenExpiry()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			unauthorized(w, "Refresh token has already been used")
			return
		}
		slog.Error("error rotating refresh token", "component", "api", "error", err)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresAt:    tokenPair.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)

	if err := h.refreshTokens.RevokeAllForUser(userID); err != nil {
		slog.Error("error revoking refresh tokens", "component", "api", "user_id", userID, "error", err)
		internalError(w)
		return
	}

	h.hub.Kick(userID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) issueSession(user *models.User) (*AuthResponse, error) {
	tokenPair, refreshHash, err := h.jwtService.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}

	if _, err := h.refreshTokens.Create(user.ID, refreshHash, h.jwtService.RefreshTokenExpiry()); err != nil {
		return nil, err
	}

	return &AuthResponse{
		User:         user,
		AccessToken:  tokenPair.AccessToken,
		RefreshToken: tokenPair.RefreshToken,
		ExpiresAt:    tokenPair.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}
