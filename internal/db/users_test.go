package db

import (
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory error: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database
}

func createTestUser(t *testing.T, repo *UserRepository, email, handle string) string {
	t.Helper()

	user, err := repo.Create(CreateUserParams{
		Email:               email,
		Handle:              handle,
		DisplayName:         handle,
		PasswordHash:        "x",
		VerificationCode:    "123456",
		VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return user.ID
}

func TestCreateUserFoldsIdentifiers(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)

	user, err := repo.Create(CreateUserParams{
		Email:               "  Alice@Example.COM ",
		Handle:              "Alice",
		DisplayName:         "Alice",
		PasswordHash:        "x",
		VerificationCode:    "123456",
		VerificationExpires: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, want folded lowercase", user.Email)
	}
	if user.Handle != "alice" {
		t.Errorf("Handle = %q, want folded lowercase", user.Handle)
	}
	if !user.IsActive {
		t.Error("new user should be active")
	}
	if user.EmailVerified {
		t.Error("new user should not be email-verified")
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)

	createTestUser(t, repo, "dup@example.com", "dup")

	_, err := repo.Create(CreateUserParams{
		Email:               "dup@example.com",
		Handle:              "other",
		DisplayName:         "other",
		PasswordHash:        "x",
		VerificationCode:    "123456",
		VerificationExpires: time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Create with duplicate email = %v, want ErrDuplicate", err)
	}

	_, err = repo.Create(CreateUserParams{
		Email:               "other@example.com",
		Handle:              "DUP",
		DisplayName:         "other",
		PasswordHash:        "x",
		VerificationCode:    "123456",
		VerificationExpires: time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Create with duplicate handle (case folded) = %v, want ErrDuplicate", err)
	}
}

func TestLoginAttemptLockout(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "lock@example.com", "lock")

	limit := 5
	lockout := 2 * time.Hour

	for i := 0; i < limit-1; i++ {
		if err := repo.IncrementLoginAttempts(id, limit, lockout); err != nil {
			t.Fatalf("IncrementLoginAttempts error: %v", err)
		}
		user, err := repo.FindByID(id)
		if err != nil {
			t.Fatalf("FindByID error: %v", err)
		}
		if user.Locked(time.Now()) {
			t.Fatalf("locked after %d attempts, want lock only at %d", i+1, limit)
		}
	}

	if err := repo.IncrementLoginAttempts(id, limit, lockout); err != nil {
		t.Fatalf("IncrementLoginAttempts error: %v", err)
	}

	user, err := repo.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if !user.Locked(time.Now()) {
		t.Fatal("not locked after reaching the attempt limit")
	}
	if user.LoginAttempts != limit {
		t.Errorf("LoginAttempts = %d, want %d", user.LoginAttempts, limit)
	}
}

func TestLoginAttemptExpiredLockResets(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "reset@example.com", "reset")

	// Simulate a lockout that has already elapsed.
	expired := time.Now().UTC().Add(-time.Minute)
	if _, err := database.Exec(
		`UPDATE users SET login_attempts = 5, lock_until = ? WHERE id = ?`, expired, id,
	); err != nil {
		t.Fatalf("backdating lock: %v", err)
	}

	if err := repo.IncrementLoginAttempts(id, 5, 2*time.Hour); err != nil {
		t.Fatalf("IncrementLoginAttempts error: %v", err)
	}

	user, err := repo.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if user.Locked(time.Now()) {
		t.Error("expired lock should have been cleared")
	}
	if user.LoginAttempts != 1 {
		t.Errorf("LoginAttempts = %d, want counter restarted at 1", user.LoginAttempts)
	}
}

func TestResetLoginAttempts(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "ok@example.com", "ok")

	if err := repo.IncrementLoginAttempts(id, 5, time.Hour); err != nil {
		t.Fatalf("IncrementLoginAttempts error: %v", err)
	}
	if err := repo.ResetLoginAttempts(id); err != nil {
		t.Fatalf("ResetLoginAttempts error: %v", err)
	}

	user, err := repo.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if user.LoginAttempts != 0 || user.LockUntil != nil {
		t.Errorf("attempts = %d, lock = %v, want cleared", user.LoginAttempts, user.LockUntil)
	}
}

func TestPushTokenReplacePerDevice(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "push@example.com", "push")

	if err := repo.SetPushToken(id, "tok-1", "android", "device-a"); err != nil {
		t.Fatalf("SetPushToken error: %v", err)
	}
	if err := repo.SetPushToken(id, "tok-2", "android", "device-a"); err != nil {
		t.Fatalf("SetPushToken error: %v", err)
	}
	if err := repo.SetPushToken(id, "tok-3", "web", "device-b"); err != nil {
		t.Fatalf("SetPushToken error: %v", err)
	}

	tokens, err := repo.PushTokens(id)
	if err != nil {
		t.Fatalf("PushTokens error: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want one per device", len(tokens))
	}

	byDevice := map[string]string{}
	for _, tok := range tokens {
		byDevice[tok.DeviceID] = tok.Token
	}
	if byDevice["device-a"] != "tok-2" {
		t.Errorf("device-a token = %q, want replacement tok-2", byDevice["device-a"])
	}

	if err := repo.RemovePushToken(id, "device-a"); err != nil {
		t.Fatalf("RemovePushToken error: %v", err)
	}
	if err := repo.RemovePushToken(id, "device-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemovePushToken = %v, want ErrNotFound", err)
	}
}

func TestMarkEmailVerified(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "verify@example.com", "verify")

	if err := repo.MarkEmailVerified(id); err != nil {
		t.Fatalf("MarkEmailVerified error: %v", err)
	}

	user, err := repo.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if !user.EmailVerified {
		t.Error("EmailVerified = false after MarkEmailVerified")
	}
	if user.VerificationCode != nil {
		t.Error("verification code should be cleared after verification")
	}
}

func TestUpdateSettings(t *testing.T) {
	database := newTestDB(t)
	repo := NewUserRepository(database)
	id := createTestUser(t, repo, "settings@example.com", "settings")

	if err := repo.UpdateSettings(id, false, false, true); err != nil {
		t.Fatalf("UpdateSettings error: %v", err)
	}

	user, err := repo.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if user.ShowOnline || user.ShowLastSeen || !user.AllowCalls {
		t.Errorf("settings = (%v, %v, %v), want (false, false, true)",
			user.ShowOnline, user.ShowLastSeen, user.AllowCalls)
	}
}
