package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// redisIncrScript atomically increments a fixed-window counter and sets its
// expiry on first use, so a window key can never leak without a TTL.
var redisIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimit returns middleware that limits requests per IP to
// maxRequests within the given window, with the counter held in Redis so
// the limit holds across restarts and multiple instances. Used for the
// anonymous-session endpoint, where in-memory counting would let a client
// mint unbounded accounts by riding deploys.
//
// If Redis is unreachable the request is allowed through: availability of
// the auth endpoints matters more than a best-effort abuse limit.
func RedisRateLimit(rdb *redis.Client, prefix string, maxRequests int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			windowIdx := time.Now().Unix() / int64(window.Seconds())
			key := fmt.Sprintf("ratelimit:%s:%s:%d", prefix, ip, windowIdx)

			count, err := redisIncrScript.Run(
				c.Request().Context(), rdb,
				[]string{key},
				int(window.Seconds()),
			).Int64()
			if err != nil {
				slog.Warn("redis rate limit unavailable, allowing request",
					slog.String("prefix", prefix),
					slog.Any("error", err),
				)
				return next(c)
			}

			if count > int64(maxRequests) {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"status":       "failed",
					"errorType":    "rate_limited",
					"errorMessage": "Rate limit exceeded. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
