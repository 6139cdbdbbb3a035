package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Guardians send JSON step payloads and staff add a bearer token on admin
// routes. Backlog downloads carry their filename in Content-Disposition.
const (
	allowedHeaders  = "Authorization, Content-Type, X-Request-ID"
	allowedMethods  = "GET, POST, OPTIONS"
	exposedHeaders  = "X-Request-ID, Content-Disposition"
	preflightMaxAge = "600"
)

// New returns a CORS middleware for the enrollment portal. An empty origin
// list allows every origin. Preflight requests from a disallowed origin are
// rejected before they reach a route.
func New(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[strings.TrimRight(origin, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		_, known := originSet[strings.TrimRight(origin, "/")]
		allowed := allowAll || known
		if allowed {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", exposedHeaders)
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Allow-Methods", allowedMethods)
			h.Set("Access-Control-Max-Age", preflightMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
