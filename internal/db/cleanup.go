package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultCleanupInterval = 1 * time.Hour

// CleanupService periodically sweeps expired refresh tokens and stale
// verification codes.
type CleanupService struct {
	db            *DB
	refreshTokens *RefreshTokenRepository
	interval      time.Duration
}

func NewCleanupService(database *DB, refreshTokens *RefreshTokenRepository) *CleanupService {
	return &CleanupService{
		db:            database,
		refreshTokens: refreshTokens,
		interval:      DefaultCleanupInterval,
	}
}

func (s *CleanupService) Start(ctx context.Context) {
	slog.Info("starting cleanup service", "component", "cleanup", "interval", s.interval)

	s.runCleanup()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping cleanup service", "component", "cleanup")
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *CleanupService) runCleanup() {
	refreshDeleted, err := s.refreshTokens.DeleteExpired()
	if err != nil {
		slog.Error("error deleting expired refresh tokens", "component", "cleanup", "error", err)
	} else if refreshDeleted > 0 {
		slog.Info("deleted expired refresh tokens", "component", "cleanup", "count", refreshDeleted)
	}

	codesCleared, err := s.clearExpiredVerificationCodes()
	if err != nil {
		slog.Error("error clearing expired verification codes", "component", "cleanup", "error", err)
	} else if codesCleared > 0 {
		slog.Info("cleared expired verification codes", "component", "cleanup", "count", codesCleared)
	}
}

func (s *CleanupService) clearExpiredVerificationCodes() (int64, error) {
	result, err := s.db.Exec(
		`UPDATE users SET verification_code = NULL, verification_expires = NULL
		 WHERE verification_code IS NOT NULL AND verification_expires < ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("clearing verification codes: %w", err)
	}
	return result.RowsAffected()
}
