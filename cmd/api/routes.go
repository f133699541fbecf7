package main

import (
	"context"
	"net/http"
	"time"

	"callagent/internal/httpapi"
	"callagent/internal/metrics"
	"callagent/internal/payments"
	"callagent/internal/ratelimit"
	"callagent/internal/rbac"
	"callagent/internal/webhook"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Handlers httpapi.Handlers
	Bridge   webhook.Handler
	Stripe   payments.StripeHandler
	Metrics  *metrics.Metrics
	Limiter  *ratelimit.Limiter
	AuthMW   gin.HandlerFunc

	// Ready reports whether backing stores answer.
	Ready func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := d.Ready(ctx); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", d.Metrics.Handler())

	// Webhooks authenticate themselves: bearer secret for the bridge, signature for Stripe.
	// The bridge is not throttled; a dropped terminal event strands a reservation.
	r.POST("/webhooks/bridge", d.Bridge.HandleBridgeEvent)
	r.POST("/webhooks/stripe", d.Limiter.Middleware(), d.Stripe.HandleWebhook)

	// protected API group; the limiter runs after auth so it keys on the user.
	v1 := r.Group("/v1")
	v1.Use(d.AuthMW, d.Limiter.Middleware())
	{
		h := d.Handlers
		member := rbac.RequireAnyRole(rbac.RoleUser)

		me := v1.Group("/users/me", member)
		me.POST("", h.RegisterMe)
		me.GET("", h.GetMe)

		calls := v1.Group("/calls", member)
		calls.POST("", h.StartCall)
		calls.GET("", h.ListCalls)
		calls.GET("/:id", h.GetCall)
		calls.POST("/:id/end", h.EndCall)

		v1.GET("/credits", member, h.GetCredits)
		v1.GET("/usage", member, h.GetUsage)

		admin := v1.Group("/admin", rbac.RequireAnyRole(rbac.RoleAdmin))
		admin.POST("/credits/grant", h.AdminGrant)
	}
}
