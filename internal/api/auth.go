package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenManager issues and validates operator access tokens.
type TokenManager struct {
	secret   []byte
	duration time.Duration
}

// NewTokenManager creates a token manager. duration <= 0 defaults to 12h.
func NewTokenManager(secret string, duration time.Duration) *TokenManager {
	if duration <= 0 {
		duration = 12 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), duration: duration}
}

// Generate issues a signed operator token.
func (m *TokenManager) Generate() (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(m.duration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(now),
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, int64(m.duration.Seconds()), nil
}

// Validate parses and verifies a token string.
func (m *TokenManager) Validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// authMiddleware rejects requests without a valid bearer token.
func authMiddleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			errorResponse(c, http.StatusUnauthorized, "Missing authorization header")
			c.Abort()
			return
		}
		if err := tokens.Validate(strings.TrimPrefix(header, "Bearer ")); err != nil {
			errorResponse(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// checkConfirmationKey compares a plaintext key against the configured bcrypt
// hash. An empty hash rejects everything.
func checkConfirmationKey(hash, key string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
