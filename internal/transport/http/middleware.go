package httptransport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"framecast-server-go/internal/domain/auth"
	"framecast-server-go/internal/platform/logging"
)

// PublisherKey is the gin context key carrying the authenticated publisher
// id once BearerAuth has run.
const PublisherKey = "publisher"

// BearerAuth gates a route group behind publisher bearer tokens.
func BearerAuth(tokens *auth.TokenManager, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			RespondError(c, http.StatusUnauthorized, "missing authorization header", nil)
			c.Abort()
			return
		}

		token := header
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = header[7:]
		}

		publisherID, err := tokens.Verify(token)
		if err != nil {
			if logger != nil {
				logger.WarnTag("Auth", "rejected token from %s: %v", c.ClientIP(), err)
			}
			RespondError(c, http.StatusUnauthorized, "invalid token", nil)
			c.Abort()
			return
		}

		c.Set(PublisherKey, publisherID)
		c.Next()
	}
}
