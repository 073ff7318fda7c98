package models

import "time"

// Roles a user account can hold.
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Push token platforms.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
)

type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email,omitempty"`
	Handle      string  `json:"handle"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	Role        string  `json:"role"`

	IsActive      bool    `json:"isActive"`
	IsBlocked     bool    `json:"isBlocked"`
	BlockedReason *string `json:"-"`

	EmailVerified       bool       `json:"emailVerified"`
	VerificationCode    *string    `json:"-"`
	VerificationExpires *time.Time `json:"-"`

	PasswordHash      string    `json:"-"`
	PasswordChangedAt time.Time `json:"-"`
	LoginAttempts     int       `json:"-"`
	LockUntil         *time.Time `json:"-"`

	ShowOnline   bool `json:"showOnline"`
	ShowLastSeen bool `json:"showLastSeen"`
	AllowCalls   bool `json:"allowCalls"`

	LastSeen          time.Time `json:"lastSeen"`
	TotalMessages     int64     `json:"totalMessages"`
	TotalCalls        int64     `json:"totalCalls"`
	TotalCallDuration int64     `json:"totalCallDuration"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (u *User) GetAvatarURL() string {
	if u.AvatarURL != nil {
		return *u.AvatarURL
	}
	return ""
}

// Locked reports whether the account is under a login lockout.
func (u *User) Locked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

type PushToken struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"` // android, ios, web
	DeviceID  string    `json:"deviceId"`
	CreatedAt time.Time `json:"createdAt"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}
