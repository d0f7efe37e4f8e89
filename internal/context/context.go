package context

import (
	"github.com/gin-gonic/gin"
	"github.com/taskmgr818/stargraph-broker/internal/auth"
)

// Context key for the authenticated user.
const CtxKeyUser = "auth_user"

// MustGetUser extracts the authenticated user from the Gin context.
// Panics if not present (should only be called after APIKeyAuth middleware).
func MustGetUser(c *gin.Context) *auth.User {
	v, exists := c.Get(CtxKeyUser)
	if !exists {
		panic("MustGetUser called without APIKeyAuth middleware")
	}
	return v.(*auth.User)
}

// GetOwnerID is a shorthand that returns the authenticated owner id.
func GetOwnerID(c *gin.Context) int64 {
	return MustGetUser(c).ID
}
