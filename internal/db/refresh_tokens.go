package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drilunia/internal/models"
)

// RefreshTokenRepository stores hashed refresh tokens. Raw token values
// never touch the database.
type RefreshTokenRepository struct {
	db *DB
}

func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ex execer, userID, tokenHash string, expiresAt, createdAt time.Time) (string, error) {
	id, err := GenerateID("rft")
	if err != nil {
		return "", fmt.Errorf("generating refresh token ID: %w", err)
	}
	_, err = ex.Exec(`
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, userID, tokenHash, expiresAt.UTC(), createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting refresh token: %w", err)
	}
	return id, nil
}

func (r *RefreshTokenRepository) Create(userID, tokenHash string, expiresAt time.Time) (*models.RefreshToken, error) {
	now := time.Now().UTC()
	id, err := insertRefreshToken(r.db, userID, tokenHash, expiresAt, now)
	if err != nil {
		return nil, err
	}
	return &models.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

func (r *RefreshTokenRepository) FindByHash(tokenHash string) (*models.RefreshToken, error) {
	row := r.db.QueryRow(`
		SELECT id, user_id, token_hash, expires_at, created_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = ?`,
		tokenHash,
	)

	var t models.RefreshToken
	var revokedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	t.RevokedAt = ptrWhen(revokedAt.Valid, revokedAt.Time)
	return &t, nil
}

// Rotate revokes a consumed refresh token and issues its replacement in one
// transaction so a token can never be redeemed twice. ErrNotFound means the
// token was already revoked or expired between lookup and rotation.
func (r *RefreshTokenRepository) Rotate(consumedTokenID, userID, newTokenHash string, newExpiresAt time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("starting refresh token rotation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.Exec(`
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL AND expires_at > ?`,
		now, consumedTokenID, now,
	)
	if err != nil {
		return fmt.Errorf("revoking token during rotation: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return err
	}

	if _, err := insertRefreshToken(tx, userID, newTokenHash, newExpiresAt, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing refresh token rotation: %w", err)
	}
	return nil
}

// RevokeAllForUser invalidates every live session for the user, used on
// logout and password rotation.
func (r *RefreshTokenRepository) RevokeAllForUser(userID string) error {
	_, err := r.db.Exec(`
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE user_id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("revoking user tokens: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM refresh_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return result.RowsAffected()
}
