package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/supportbot/internal/identity"
)

const IdentityKey = "identity"

// Identity resolves the caller on every request. A missing or invalid token
// is not an error; the caller falls back to an anonymous identity keyed by
// its origin.
func Identity(r *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(IdentityKey, r.Resolve(bearerToken(c), c.ClientIP()))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// IdentityFrom returns the identity stored by Identity, or identity.None.
func IdentityFrom(c *gin.Context) identity.Identity {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return identity.None
	}
	who, ok := v.(identity.Identity)
	if !ok {
		return identity.None
	}
	return who
}
