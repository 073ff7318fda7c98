package auth

import "fmt"

// Reason identifies why a credential was rejected.
type Reason string

const (
	ReasonMissing      Reason = "missing"
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonRotated      Reason = "issued_before_password_rotation"
	ReasonUserNotFound Reason = "user_not_found"
	ReasonUserInactive Reason = "user_inactive"
	ReasonUserBlocked  Reason = "user_blocked"
	ReasonUserLocked   Reason = "user_locked"
)

// Error is the typed rejection returned by the verifier. The websocket layer
// maps any Error to close code 1008; the HTTP layer maps it to 401.
type Error struct {
	Reason Reason
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.err
}
