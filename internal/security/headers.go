// Package security sets response hardening headers and answers CORS for
// browser collaborators such as the dispute UI.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
)

// APIContentSecurityPolicy forbids every subresource. The engine serves JSON
// and a WebSocket stream only.
const APIContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

const hstsValue = "max-age=63072000; includeSubDomains"

var (
	allowedMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")

	allowedHeaders = strings.Join([]string{
		"Authorization",
		"Content-Type",
		logging.HeaderRequestID,
		auth.HeaderActorID,
		auth.HeaderActorRole,
	}, ", ")
)

// HeadersMiddleware hardens every response. hsts adds Strict-Transport-Security
// and should only be on when the engine is reached over TLS.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", APIContentSecurityPolicy)
		h.Set("Cache-Control", "no-store")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if hsts {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		c.Next()
	}
}

// CORSMiddleware allows the listed origins, or any origin when the list holds
// "*". Credentials are only allowed for explicitly listed origins. A preflight
// from an origin not on the list is refused with 403.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := false
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		_, listed := allowed[origin]
		preflight := c.Request.Method == http.MethodOptions

		c.Header("Vary", "Origin")
		if !listed && !wildcard {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Expose-Headers", logging.HeaderRequestID)
		if listed {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if preflight {
			c.Header("Access-Control-Allow-Methods", allowedMethods)
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
