package auth

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fablenest/fablenest/internal/middleware"
)

// RegisterRoutes sets up the auth routes under /api/v1/auth. The public
// POST endpoints are rate-limited against brute force and credential
// stuffing; anonymous-session creation gets the stricter Redis-backed limit
// (5 per 15 minutes per IP) because each miss can create an account.
func RegisterRoutes(api *echo.Group, h *Handler, service AuthService, rdb *redis.Client) {
	g := api.Group("/auth")

	g.POST("/register", h.Register, middleware.RateLimit(5, time.Minute))
	g.POST("/login", h.Login, middleware.RateLimit(10, time.Minute))
	g.POST("/anonymous", h.Anonymous, middleware.RedisRateLimit(rdb, "anon", 5, 15*time.Minute))
	g.POST("/google", h.Google, middleware.RateLimit(10, time.Minute))

	g.POST("/confirm-email", h.ConfirmEmail, middleware.RateLimit(10, time.Minute))
	g.POST("/confirm-signin", h.ConfirmSignIn, middleware.RateLimit(10, time.Minute))
	g.POST("/resend-verification", h.ResendVerification, middleware.RateLimit(5, time.Minute))

	g.POST("/forgot-password", h.ForgotPassword, middleware.RateLimit(5, time.Minute))
	g.POST("/reset-password", h.ResetPassword, middleware.RateLimit(10, time.Minute))

	authed := g.Group("", RequireAuth(service))
	authed.GET("/me", h.Me)
	authed.PUT("/password", h.ChangePassword)
	authed.PUT("/username", h.ChangeUsername)
	authed.POST("/signout", h.SignOut)
}
