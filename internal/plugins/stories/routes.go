package stories

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// RegisterRoutes sets up the catalog routes under /api/v1/stories. Browsing
// is public; chapter access and social actions need a session; curation is
// staff only.
func RegisterRoutes(api *echo.Group, h *Handler, authService auth.AuthService) {
	g := api.Group("/stories")

	g.GET("", h.List)
	g.GET("/:slug", h.Get)

	authed := g.Group("", auth.RequireAuth(authService))
	authed.POST("/:id/chapters", h.Chapters)
	authed.POST("/:id/like", h.ToggleLike)
	authed.POST("/:id/rating", h.Rate)
	authed.POST("/:id/readlist", h.ToggleReadList)

	staff := g.Group("", auth.RequireAuth(authService), auth.RequireRole(auth.RoleAdmin, auth.RoleEmployee))
	staff.POST("", h.Create)
	staff.PUT("/:id", h.Update)
	staff.DELETE("/:id", h.Delete)
}
