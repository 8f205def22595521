package router

import (
	"github.com/usagelimiter/backend/internal/interfaces/http/handler"
)

// UsageRoutes exposes reservations, usage reads and event ingest
func UsageRoutes(h *handler.UsageHandler) *DomainGroup {
	usage := NewDomainGroup("usage", "/usage")

	usage.Group("reservations", "/reservations").
		POST("", h.Reserve).
		POST("/:ulid/commit", h.Commit).
		POST("/:ulid/release", h.Release)

	usage.Group("metrics", "/accounts/:id/metrics").
		GET("/:metric", h.CurrentUsage).
		GET("/:metric/check", h.Check)

	usage.Group("events", "/events").
		POST("", h.Ingest).
		POST("/batch", h.IngestBatch)

	return usage
}

// AccountRoutes exposes wallet reads and plan cache control
func AccountRoutes(h *handler.AccountHandler) *DomainGroup {
	return NewDomainGroup("accounts", "/accounts").
		GET("/:id/wallet", h.Wallet).
		POST("/:id/plan-cache/invalidate", h.InvalidatePlanCache)
}
