package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds configuration for the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins is the list of origins permitted to make cross-origin
	// requests. Use ["*"] to allow all (not recommended for production).
	// Example: ["https://app.fablenest.app", "http://localhost:3000"]
	AllowedOrigins []string

	// AllowCredentials indicates whether the browser should include cookies
	// and auth headers in cross-origin requests. Required for cookie-based
	// sessions from the reader web client on a different origin.
	AllowCredentials bool
}

// CORS returns middleware that handles Cross-Origin Resource Sharing headers.
// The mobile app talks to the API directly and doesn't need CORS, but the
// browser-based reader client runs on a separate origin and does.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	// Build a set for fast origin lookup.
	allowAll := false
	originSet := make(map[string]bool)
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	// SECURITY: Wildcard origin with credentials is a dangerous
	// misconfiguration. It allows any website to make authenticated requests
	// to the API. Refuse to send credentials when the origin is a wildcard.
	allowCredentials := cfg.AllowCredentials
	if allowAll && allowCredentials {
		slog.Warn("CORS: wildcard origin with credentials is not allowed; disabling credentials")
		allowCredentials = false
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get("Origin")

			// Same-origin requests carry no Origin header; nothing to do.
			if origin == "" {
				return next(c)
			}

			h := c.Response().Header()

			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if originSet[origin] {
				h.Set("Access-Control-Allow-Origin", origin)
				// Vary on Origin so caches don't serve one origin's headers
				// to another.
				h.Add("Vary", "Origin")
			} else {
				// Unlisted origin: no CORS headers; the browser will block it.
				return next(c)
			}

			if allowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			// Preflight request: reply immediately with the allowed surface.
			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods",
					strings.Join([]string{
						http.MethodGet, http.MethodPost, http.MethodPut,
						http.MethodPatch, http.MethodDelete,
					}, ", "))
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "86400")
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
