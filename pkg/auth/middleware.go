package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalKey is the gin context key holding the logged-in principal.
const PrincipalKey = "principal"

// RequireLogin lets requests with a valid session through. Browsers are
// redirected to redirectTo; JSON and event-stream clients get 401.
func RequireLogin(s *Sessions, redirectTo string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := s.FromRequest(c)
		if err == nil {
			c.Set(PrincipalKey, principal)
			c.Next()
			return
		}

		accept := c.GetHeader("Accept")
		if strings.Contains(accept, "application/json") || strings.Contains(accept, "text/event-stream") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "message": "login required"})
			return
		}
		c.Redirect(http.StatusFound, redirectTo)
		c.Abort()
	}
}
