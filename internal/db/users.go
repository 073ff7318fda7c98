package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"drilunia/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrForbidden = errors.New("forbidden")
)

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, handle, display_name, avatar_url, role,
	is_active, is_blocked, blocked_reason,
	email_verified, verification_code, verification_expires,
	password_hash, password_changed_at, login_attempts, lock_until,
	show_online, show_last_seen, allow_calls,
	last_seen, total_messages, total_calls, total_call_duration,
	created_at, updated_at`

type CreateUserParams struct {
	Email               string
	Handle              string
	DisplayName         string
	PasswordHash        string
	VerificationCode    string
	VerificationExpires time.Time
}

func (r *UserRepository) Create(p CreateUserParams) (*models.User, error) {
	id, err := GenerateID("usr")
	if err != nil {
		return nil, fmt.Errorf("generating user ID: %w", err)
	}
	now := time.Now().UTC()

	email := foldIdentifier(p.Email)
	handle := foldIdentifier(p.Handle)

	_, err = r.db.Exec(
		`INSERT INTO users (id, email, handle, display_name, role, verification_code, verification_expires,
			password_hash, password_changed_at, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, email, handle, p.DisplayName, models.RoleUser,
		p.VerificationCode, p.VerificationExpires.UTC(),
		// Backdate the rotation stamp so a token issued in the same second
		// as registration is not rejected as pre-rotation.
		p.PasswordHash, now.Add(-time.Second), now, now,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return r.FindByID(id)
}

func (r *UserRepository) FindByID(id string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *UserRepository) FindByEmail(email string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE email = ?`, foldIdentifier(email))
}

func (r *UserRepository) FindByHandle(handle string) (*models.User, error) {
	return r.findOne(`SELECT `+userColumns+` FROM users WHERE handle = ?`, foldIdentifier(handle))
}

// IncrementLoginAttempts records a failed password check in a single
// conditional statement so concurrent failures cannot double-lock:
//   - an expired lock is cleared and the counter restarts at 1;
//   - otherwise the counter is incremented, and when it reaches the limit
//     the account is locked until now+lockout.
func (r *UserRepository) IncrementLoginAttempts(id string, limit int, lockout time.Duration) error {
	now := time.Now().UTC()
	until := now.Add(lockout)

	result, err := r.db.Exec(
		`UPDATE users SET
			login_attempts = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= ? THEN 1
				ELSE login_attempts + 1
			END,
			lock_until = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= ? THEN NULL
				WHEN lock_until IS NULL AND login_attempts + 1 >= ? THEN ?
				ELSE lock_until
			END,
			updated_at = ?
		 WHERE id = ?`,
		now, now, limit, until, now, id,
	)
	if err != nil {
		return fmt.Errorf("incrementing login attempts: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) ResetLoginAttempts(id string) error {
	result, err := r.db.Exec(
		`UPDATE users SET login_attempts = 0, lock_until = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("resetting login attempts: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) TouchLastSeen(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE users SET last_seen = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return nil
}

func (r *UserRepository) MarkEmailVerified(id string) error {
	result, err := r.db.Exec(
		`UPDATE users SET email_verified = 1, verification_code = NULL, verification_expires = NULL, updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking email verified: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) UpdateProfile(id, displayName string, avatarURL *string) error {
	result, err := r.db.Exec(
		`UPDATE users SET display_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		displayName, avatarURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) UpdateSettings(id string, showOnline, showLastSeen, allowCalls bool) error {
	result, err := r.db.Exec(
		`UPDATE users SET show_online = ?, show_last_seen = ?, allow_calls = ?, updated_at = ? WHERE id = ?`,
		showOnline, showLastSeen, allowCalls, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) IncrementMessageCount(id string) error {
	_, err := r.db.Exec(`UPDATE users SET total_messages = total_messages + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing message count: %w", err)
	}
	return nil
}

func (r *UserRepository) RecordCall(id string, duration time.Duration) error {
	_, err := r.db.Exec(
		`UPDATE users SET total_calls = total_calls + 1, total_call_duration = total_call_duration + ? WHERE id = ?`,
		int64(duration.Seconds()), id,
	)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

// SetPushToken registers a device push token, replacing any prior token for
// the same device. One token per device per user.
func (r *UserRepository) SetPushToken(userID, token, platform, deviceID string) error {
	_, err := r.db.Exec(
		`INSERT INTO push_tokens (user_id, device_id, token, platform, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, device_id) DO UPDATE SET token = excluded.token, platform = excluded.platform, created_at = excluded.created_at`,
		userID, deviceID, token, platform, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}
	return nil
}

func (r *UserRepository) RemovePushToken(userID, deviceID string) error {
	result, err := r.db.Exec(`DELETE FROM push_tokens WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("removing push token: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *UserRepository) PushTokens(userID string) ([]*models.PushToken, error) {
	rows, err := r.db.Query(
		`SELECT user_id, device_id, token, platform, created_at FROM push_tokens WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.UserID, &t.DeviceID, &t.Token, &t.Platform, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token: %w", err)
		}
		tokens = append(tokens, &t)
	}

	return tokens, rows.Err()
}

func (r *UserRepository) findOne(query string, args ...any) (*models.User, error) {
	var u models.User
	var avatarURL, blockedReason, verificationCode sql.NullString
	var verificationExpires, lockUntil, updatedAt sql.NullTime

	err := r.db.QueryRow(query, args...).Scan(
		&u.ID, &u.Email, &u.Handle, &u.DisplayName, &avatarURL, &u.Role,
		&u.IsActive, &u.IsBlocked, &blockedReason,
		&u.EmailVerified, &verificationCode, &verificationExpires,
		&u.PasswordHash, &u.PasswordChangedAt, &u.LoginAttempts, &lockUntil,
		&u.ShowOnline, &u.ShowLastSeen, &u.AllowCalls,
		&u.LastSeen, &u.TotalMessages, &u.TotalCalls, &u.TotalCallDuration,
		&u.CreatedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.AvatarURL = ptrWhen(avatarURL.Valid, avatarURL.String)
	u.BlockedReason = ptrWhen(blockedReason.Valid, blockedReason.String)
	u.VerificationCode = ptrWhen(verificationCode.Valid, verificationCode.String)
	u.VerificationExpires = ptrWhen(verificationExpires.Valid, verificationExpires.Time)
	u.LockUntil = ptrWhen(lockUntil.Valid, lockUntil.Time)
	u.UpdatedAt = ptrWhen(updatedAt.Valid, updatedAt.Time)

	return &u, nil
}

// foldIdentifier case-folds emails and handles so uniqueness is
// case-insensitive.
func foldIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
