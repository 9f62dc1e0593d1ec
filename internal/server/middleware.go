package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	bearerPrefix     = "Bearer "
)

// AdminRequired guards mutations of balances and pricing with the shared admin
// token. Without a configured token every admin route answers 401.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		token := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), bearerPrefix))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
