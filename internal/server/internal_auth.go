package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderOrg           = "X-Org-ID"
	HeaderInternalToken = "X-Internal-Token"
)

// InternalAuthRequired authenticates service-to-service callers with the
// pre-shared internal token. This is a separate trust boundary from API
// keys: internal callers name the organization in the request body instead
// of deriving it from a credential.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := strings.TrimSpace(s.cfg.InternalAPIToken)
		if configured == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		presented := strings.TrimSpace(c.GetHeader(HeaderInternalToken))
		if presented == "" {
			if parts := strings.Fields(c.GetHeader("Authorization")); len(parts) == 2 && parts[0] == "Bearer" {
				presented = strings.TrimSpace(parts[1])
			}
		}
		if presented == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}
