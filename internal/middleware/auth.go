package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// PlayerIDKey is the gin context key holding the authenticated player id.
const PlayerIDKey = "player_id"

var errInvalidToken = errors.New("invalid token")

// PlayerClaims carries the player identity inside an HS256 bearer token.
type PlayerClaims struct {
	PlayerID string `json:"player_id"`
	jwt.RegisteredClaims
}

// IssueToken signs a player token. Tokens are minted by the account service
// in production; this is used by tooling and tests.
func IssueToken(secret, playerID string, ttl time.Duration) (string, error) {
	claims := PlayerClaims{
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates signature, algorithm and expiry and returns the player id.
func ParseToken(secret, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &PlayerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*PlayerClaims)
	if !ok || !parsed.Valid {
		return "", errInvalidToken
	}
	if claims.PlayerID == "" {
		claims.PlayerID = claims.Subject
	}
	if claims.PlayerID == "" {
		return "", errInvalidToken
	}
	return claims.PlayerID, nil
}

// RequirePlayer authenticates the bearer token. Websocket clients that cannot
// set headers may pass the token as ?token=.
func RequirePlayer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "code": "UNAUTHORIZED"})
			return
		}

		playerID, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHORIZED"})
			return
		}
		c.Set(PlayerIDKey, playerID)
		c.Next()
	}
}

// PlayerID returns the id set by RequirePlayer.
func PlayerID(c *gin.Context) string {
	return c.GetString(PlayerIDKey)
}
