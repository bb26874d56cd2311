package comments

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/middleware"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// RegisterRoutes sets up the comment routes under /api/v1/comments. Reading
// a thread is public; writing needs a session, with a light rate limit to
// slow down comment spam.
func RegisterRoutes(api *echo.Group, h *Handler, authService auth.AuthService) {
	g := api.Group("/comments")

	g.GET("/story/:storyID", h.ListByStory)

	authed := g.Group("", auth.RequireAuth(authService))
	authed.POST("/story/:storyID", h.Add, middleware.RateLimit(20, time.Minute))
	authed.POST("/:id/replies", h.Reply, middleware.RateLimit(20, time.Minute))
	authed.POST("/:id/like", h.ToggleLike)
	authed.DELETE("/:id", h.Delete)
}
