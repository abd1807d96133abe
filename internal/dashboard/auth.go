package dashboard

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authMiddleware enforces the bearer token on the REST surface. An empty
// configured token disables auth (dev mode).
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorized(c.GetHeader("Authorization")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "UNAUTHORIZED", "message": "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

// authWS accepts the token from the Authorization header or, for browser
// WebSocket clients that cannot set headers, a query parameter.
func (s *Server) authWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if tok := c.Query("token"); tok != "" {
				header = "Bearer " + tok
			}
		}
		if !s.authorized(header) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "UNAUTHORIZED", "message": "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

func (s *Server) authorized(header string) bool {
	token := s.cfg.Dashboard.Token
	if token == "" {
		return true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
