package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	allowHeaders  = "Authorization, Content-Type, X-Requested-With, X-Request-ID"
	allowMethods  = "GET, POST, OPTIONS"
	exposeHeaders = "Retry-After, X-Request-ID"
	maxAge        = "600"
)

// New returns middleware for browser clients of the session endpoints.
// Only origins on the list are echoed back and allowed to send the refresh
// cookie. An empty list serves every origin with "*" and no credentials, so
// cookie-based refresh only works for configured front ends.
func New(allowedOrigins []string) gin.HandlerFunc {
	trusted := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trusted[normalizeOrigin(origin)] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		switch {
		case len(trusted) == 0:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && isTrusted(trusted, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Methods", allowMethods)
		h.Set("Access-Control-Expose-Headers", exposeHeaders)
		h.Set("Access-Control-Max-Age", maxAge)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isTrusted(trusted map[string]struct{}, origin string) bool {
	_, ok := trusted[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
