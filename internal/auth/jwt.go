package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"drilunia/internal/models"
)

const refreshTokenBytes = 32

type JWTService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewJWTService(secret string, accessTTL, refreshTTL time.Duration) *JWTService {
	return &JWTService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// GenerateTokenPair issues a short-lived HS256 access token and an opaque
// random refresh token. The refresh token is returned raw for the client;
// the second return value is its hash, which is what gets stored.
func (s *JWTService) GenerateTokenPair(user *models.User) (*TokenPair, string, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, "", fmt.Errorf("signing access token: %w", err)
	}

	refreshRaw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(refreshRaw); err != nil {
		return nil, "", fmt.Errorf("generating refresh token: %w", err)
	}
	refresh := hex.EncodeToString(refreshRaw)

	pair := &TokenPair{
		AccessToken:  signed,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
	return pair, HashRefreshToken(refresh), nil
}

// ParseAccessToken validates signature and expiry and extracts the claims.
// Failures carry the auth error taxonomy: ReasonExpired for expired tokens,
// ReasonMalformed for everything else.
func (s *JWTService) ParseAccessToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Reason: ReasonExpired, err: err}
		}
		return nil, &Error{Reason: ReasonMalformed, err: err}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, &Error{Reason: ReasonMalformed, err: errors.New("invalid token claims")}
	}
	return claims, nil
}

func (s *JWTService) RefreshTokenExpiry() time.Time {
	return time.Now().Add(s.refreshTTL)
}

// HashRefreshToken is the storage form of a refresh token. SHA-256 is enough
// here since the input is already 256 bits of entropy.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
