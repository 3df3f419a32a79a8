package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/minechain/internal/utils/logging"
)

// OperatorRole is the JWT role privileged routes require.
const OperatorRole = "operator"

// Claims are the JWT claims carried by operator tokens.
type Claims struct {
	Subject string `json:"sub_name,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// OperatorAuth validates a bearer token signed with the node's secret
// and requires the operator role.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "missing authorization header"))
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid authorization header format"))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid token"))
			return
		}
		if claims.Role != OperatorRole {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody("forbidden", "operator role required"))
			return
		}
		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// OperatorToken mints an operator bearer token. Used by ops tooling and
// tests.
func OperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := Claims{
		Subject: subject,
		Role:    OperatorRole,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RateLimit caps requests per client IP using a redis counter with a
// rolling expiry. The limiter is best-effort: if redis is unreachable
// the request proceeds, because rate limiting must never gate a
// correctness path.
func RateLimit(rdb *redis.Client, prefix string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil || limit <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("rl:%s:%s", prefix, c.ClientIP())
		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			logging.WithError(err).Warn("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if count == 1 {
			if err := rdb.Expire(c.Request.Context(), key, window).Err(); err != nil {
				logging.WithError(err).Warn("rate limiter expire failed")
			}
		}
		if count > int64(limit) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "too many requests"))
			return
		}
		c.Next()
	}
}
