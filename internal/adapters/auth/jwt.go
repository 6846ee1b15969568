// Package auth issues and checks the HS256 tokens shared by the gateway and the relay.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Spaces/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify a user and, for relay tokens, the space they may signal in.
type Claims struct {
	UserID  string `json:"user_id"`
	SpaceID string `json:"space_id,omitempty"`
	jwt.RegisteredClaims
}

func Sign(secret []byte, user domain.UserID, space domain.SpaceID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  string(user),
		SpaceID: string(space),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func Parse(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Bearer extracts the token from an Authorization header value.
func Bearer(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware validates the bearer token and stores the user id under "user_id".
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := Bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}
		claims, err := Parse(secret, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		uid, err := domain.ParseUserID(claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		c.Set("user_id", uid)
		c.Next()
	}
}

// UserID returns the id stored by Middleware.
func UserID(c *gin.Context) domain.UserID {
	if v, ok := c.Get("user_id"); ok {
		if uid, ok := v.(domain.UserID); ok {
			return uid
		}
	}
	return ""
}
