package auth

import (
	"errors"
	"time"

	"drilunia/internal/db"
	"drilunia/internal/models"
)

// UserLookup is the slice of the user store the verifier needs.
type UserLookup interface {
	FindByID(id string) (*models.User, error)
}

// Verifier resolves a bearer credential to a user snapshot, honoring account
// state. Verification is synchronous and mutates nothing.
type Verifier struct {
	jwt   *JWTService
	users UserLookup
}

func NewVerifier(jwt *JWTService, users UserLookup) *Verifier {
	return &Verifier{jwt: jwt, users: users}
}

// Verify checks the token and the account it names. On success it returns a
// snapshot of the user record sufficient for authorization decisions.
func (v *Verifier) Verify(bearer string) (*models.User, error) {
	if bearer == "" {
		return nil, &Error{Reason: ReasonMissing}
	}

	claims, err := v.jwt.ParseAccessToken(bearer)
	if err != nil {
		return nil, err
	}

	user, err := v.users.FindByID(claims.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &Error{Reason: ReasonUserNotFound}
		}
		return nil, err
	}

	now := time.Now()
	switch {
	case !user.IsActive:
		return nil, &Error{Reason: ReasonUserInactive}
	case user.IsBlocked:
		return nil, &Error{Reason: ReasonUserBlocked}
	case user.Locked(now):
		return nil, &Error{Reason: ReasonUserLocked}
	}

	// Tokens issued before the last password rotation are dead, so a stolen
	// token cannot outlive a password change.
	if claims.IssuedAt != nil && claims.IssuedAt.Time.Before(user.PasswordChangedAt) {
		return nil, &Error{Reason: ReasonRotated}
	}

	return user, nil
}
