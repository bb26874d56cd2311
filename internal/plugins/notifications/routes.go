package notifications

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// RegisterRoutes sets up the notification routes under /api/v1/notifications.
// The whole feed is private.
func RegisterRoutes(api *echo.Group, h *Handler, authService auth.AuthService) {
	g := api.Group("/notifications", auth.RequireAuth(authService))

	g.GET("", h.List)
	g.PUT("/read-all", h.MarkAllRead)
	g.PUT("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)

	g.POST("/devices", h.RegisterDevice)
}
