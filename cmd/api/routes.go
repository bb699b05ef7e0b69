package main

import (
	"voice-relay/internal/auth"
	"voice-relay/internal/calls"
	"voice-relay/internal/config"
	"voice-relay/internal/httpapi"
	"voice-relay/internal/rbac"
	"voice-relay/internal/relay"
	"voice-relay/internal/reporting"
	"voice-relay/internal/webhook"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg       config.Config
	auth      *auth.Manager
	calls     *calls.Service
	hub       *relay.Hub
	reporting *reporting.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public path, shared-secret protected).
	{
		wh := webhook.Handlers{Calls: deps.calls, Hub: deps.hub}
		hooks := r.Group("/webhooks/provider")
		hooks.Use(webhook.RequireSharedSecret(deps.cfg.Provider.WebhookSecret))
		{
			hooks.POST("/transcript", wh.HandleTurn)
			hooks.POST("/call-status", wh.HandleCompletion)
		}
	}

	h := httpapi.Handlers{
		Auth:      deps.auth,
		Calls:     deps.calls,
		Reporting: deps.reporting,
	}

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	authMW := auth.RequireAccessToken(deps.auth)
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			wid, _ := auth.WorkspaceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "workspace_id": wid, "role": role})
		})

		// CALLS routes
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireWorkspace())
		{
			start := callsGroup.Group("")
			start.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAgent, rbac.RoleSuperAdmin))
			start.POST("/start", h.StartCall)

			callsGroup.GET("/:id", h.GetCall)
			callsGroup.GET("/:id/transcript", h.GetTranscript)
		}

		// REPORTING routes
		reports := v1.Group("/reports")
		reports.Use(rbac.RequireWorkspace())
		reports.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst, rbac.RoleSuperAdmin))
		{
			reports.GET("/calls/summary", h.CallsSummary)
		}

		// LIVE relay. Browser WebSocket clients cannot set an Authorization
		// header, so the middleware also accepts ?token= on this route.
		ws := relay.WSHandler{Hub: deps.hub}
		v1.GET("/live", rbac.RequireWorkspace(), ws.Handle)
	}
}
