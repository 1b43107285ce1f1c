// Package auth reads the caller identity injected by the upstream
// authentication gateway. Authentication itself happens upstream; this
// package only trusts and exposes what it forwards.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

const (
	// HeaderActorID carries the authenticated user ID.
	HeaderActorID = "X-Actor-ID"
	// HeaderActorRole carries the role; "arbitrator" marks platform staff.
	HeaderActorRole = "X-Actor-Role"

	// ContextKeyActorID is the key for storing the actor ID in gin context
	ContextKeyActorID = "actorId"
	// ContextKeyArbitrator is the key for storing the arbitrator flag
	ContextKeyArbitrator = "actorArbitrator"

	roleArbitrator = "arbitrator"
)

// Middleware copies the forwarded identity headers into the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderActorID)); id != "" {
			c.Set(ContextKeyActorID, id)
			c.Set(ContextKeyArbitrator, strings.EqualFold(c.GetHeader(HeaderActorRole), roleArbitrator))
		}
		c.Next()
	}
}

// RequireActor rejects requests that carry no identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActorID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity missing. Requests must pass through the auth gateway.",
			})
			return
		}
		c.Next()
	}
}

// RequireArbitrator rejects callers that are not arbitration staff. It
// assumes RequireActor ran first.
func RequireArbitrator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyArbitrator) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only arbitration staff can access this endpoint",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the caller, or a zero Actor when unauthenticated.
func Actor(c *gin.Context) escrow.Actor {
	return escrow.Actor{
		ID:         c.GetString(ContextKeyActorID),
		Arbitrator: c.GetBool(ContextKeyArbitrator),
	}
}

// IsAuthenticated checks if the request carries an identity
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyActorID)
	return exists
}
