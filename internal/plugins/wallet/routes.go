package wallet

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// RegisterRoutes sets up the wallet routes under /api/v1/wallet. Everything
// needs a session; balance adjustment is staff only.
func RegisterRoutes(api *echo.Group, h *Handler, authService auth.AuthService) {
	g := api.Group("/wallet", auth.RequireAuth(authService))

	g.GET("", h.Balance)
	g.POST("/gift", h.Gift)
	g.POST("/convert", h.Convert)

	g.POST("/adjust", h.Adjust, auth.RequireRole(auth.RoleAdmin, auth.RoleEmployee))
}
