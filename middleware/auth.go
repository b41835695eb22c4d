package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tomonet/server/cache"
	"github.com/tomonet/server/config"
)

// UserIDKey is the gin context key the authenticated user id is stored under.
const UserIDKey = "user_id"

const sessionLookupTimeout = 2 * time.Second

func bearerToken(ctx *gin.Context) (string, bool) {
	header := ctx.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	return token, ok && token != ""
}

// Auth authenticates a request from its Bearer token. The JWT must verify
// and the matching session key must still exist in the cache, so logout and
// refresh invalidate old tokens immediately.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenStr, ok := bearerToken(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		lookupCtx, cancel := context.WithTimeout(ctx.Request.Context(), sessionLookupTimeout)
		defer cancel()
		alive, err := c.Exists(lookupCtx, "session:"+tokenStr)
		if err != nil || !alive {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		ctx.Set(UserIDKey, claims.UserID)
		ctx.Next()
	}
}

// GetUserID returns the authenticated user id, or 0 on unauthenticated
// requests.
func GetUserID(c *gin.Context) int64 {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0
	}
	return v.(int64)
}
