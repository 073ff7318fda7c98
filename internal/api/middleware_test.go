package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"drilunia/internal/auth"
	"drilunia/internal/db"
)

func newAuthFixture(t *testing.T) (*AuthMiddleware, *auth.JWTService, *db.UserRepository) {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory error: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	users := db.NewUserRepository(database)
	jwtService := auth.NewJWTService("0123456789abcdef0123456789abcdef", 15*time.Minute, time.Hour)
	verifier := auth.NewVerifier(jwtService, users)

	return NewAuthMiddleware(verifier), jwtService, users
}

func probeHandler(hit *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hit = true
		if GetUserID(r) == "" {
			http.Error(w, "no user in context", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	middleware, _, _ := newAuthFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"bearer without token", "Bearer"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit := false
			req := httptest.NewRequest("GET", "/probe", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			middleware.RequireAuth(probeHandler(&hit)).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if hit {
				t.Error("handler ran despite rejected auth")
			}
		})
	}
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	middleware, jwtService, users := newAuthFixture(t)

	user, err := users.Create(db.CreateUserParams{
		Email: "mw@example.com", Handle: "mw", DisplayName: "MW",
		PasswordHash: "x", VerificationCode: "123456", VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	pair, _, err := jwtService.GenerateTokenPair(user)
	if err != nil {
		t.Fatalf("GenerateTokenPair error: %v", err)
	}

	hit := false
	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()

	middleware.RequireAuth(probeHandler(&hit)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !hit {
		t.Error("handler did not run")
	}
}
