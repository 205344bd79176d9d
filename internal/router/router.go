// Package router wires HTTP routes to handlers and middleware.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/handler"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/middleware"
)

// Deps carries everything RegisterRoutes needs.
type Deps struct {
	JWTSecret string
	Bookings  *handler.BookingHandler
	Webhooks  *handler.WebhookHandler
	Admin     *handler.AdminHandler
	Health    echo.HandlerFunc
	// RateLimit guards booking writes; nil disables it.
	RateLimit echo.MiddlewareFunc
}

// RegisterRoutes registers every route of the service on e.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health)

	// The gateway authenticates with the body signature, not a JWT.
	e.POST("/webhooks/payment", d.Webhooks.Payment)

	v1 := e.Group("/v1", middleware.JWTAuth(d.JWTSecret))

	b := v1.Group("/bookings", middleware.RequireRole(middleware.RoleUser, middleware.RoleAdmin))
	writes := []echo.MiddlewareFunc{}
	if d.RateLimit != nil {
		writes = append(writes, d.RateLimit)
	}
	b.POST("", d.Bookings.Create, writes...)
	b.GET("", d.Bookings.List)
	b.GET("/:id", d.Bookings.Get)
	b.GET("/:id/receipt", d.Bookings.Receipt)
	b.POST("/:id/extend", d.Bookings.Extend, writes...)
	b.POST("/:id/cancel", d.Bookings.Cancel, writes...)
	b.POST("/:id/payment", d.Bookings.ConfirmPayment, writes...)

	admin := v1.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.GET("/runs/:id/locks", d.Admin.RunLocks)
}
