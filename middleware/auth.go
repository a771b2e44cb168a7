package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// SecretHeader carries the shared secret guarding the admin stats resource.
const SecretHeader = "x-roboflow-endpoint-secret"

// EndpointSecretMiddleware gates a route group behind a shared-secret header.
// With no secret configured the endpoint is open. When trustSameOrigin is
// enabled, GET requests from the serving origin pass without the header.
func EndpointSecretMiddleware(secret string, trustSameOrigin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1 {
			c.Next()
			return
		}

		if trustSameOrigin && c.Request.Method == http.MethodGet && isSameOrigin(c.Request) {
			c.Next()
			return
		}

		log.Warnf("Rejected stats request from %s: bad or missing secret", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"ok": false,
			"error": gin.H{
				"code":    "UNAUTHORIZED",
				"message": "missing or invalid endpoint secret",
			},
		})
		c.Abort()
	}
}

func isSameOrigin(r *http.Request) bool {
	ref := r.Header.Get("Origin")
	if ref == "" {
		ref = r.Header.Get("Referer")
	}
	if ref == "" {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
