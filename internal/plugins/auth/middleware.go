package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
)

// Context keys for the authenticated user. Other plugins read these via the
// exported getters below.
const (
	contextKeyUser   = "auth_user"
	contextKeyUserID = "auth_user_id"
	contextKeyToken  = "auth_token"
)

// RequireAuth returns middleware that validates the bearer token (from the
// Authorization header or the session cookie) and injects the user into the
// request context. Every protected route goes through the full check:
// signature, token version, and session-ledger membership.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c)
			if token == "" {
				return apperror.NewUnauthorized("authentication required")
			}

			user, err := service.ValidateToken(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(contextKeyUser, user)
			c.Set(contextKeyUserID, user.ID)
			c.Set(contextKeyToken, token)

			return next(c)
		}
	}
}

// RequireRole returns middleware restricting a route to the given roles.
// Must run after RequireAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := GetUser(c)
			if user == nil {
				return apperror.NewUnauthorized("authentication required")
			}
			for _, role := range roles {
				if user.Role == role {
					return next(c)
				}
			}
			return apperror.NewForbidden("insufficient permissions")
		}
	}
}

// --- Exported getters for other plugins ---

// GetUser retrieves the authenticated user from the Echo context.
// Returns nil if the request is not authenticated.
func GetUser(c echo.Context) *User {
	user, ok := c.Get(contextKeyUser).(*User)
	if !ok {
		return nil
	}
	return user
}

// GetUserID retrieves the authenticated user's ID from the Echo context.
// Returns empty string if the request is not authenticated.
func GetUserID(c echo.Context) string {
	id, ok := c.Get(contextKeyUserID).(string)
	if !ok {
		return ""
	}
	return id
}

// getRawToken returns the bearer token the current request presented.
func getRawToken(c echo.Context) string {
	token, _ := c.Get(contextKeyToken).(string)
	return token
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the session cookie set for browser clients.
func extractToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}
