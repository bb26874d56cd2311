package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/mailer"
	"github.com/fablenest/fablenest/internal/oauth"
	"github.com/fablenest/fablenest/internal/plugins/auth"
	"github.com/fablenest/fablenest/internal/plugins/comments"
	"github.com/fablenest/fablenest/internal/plugins/notifications"
	"github.com/fablenest/fablenest/internal/plugins/stories"
	"github.com/fablenest/fablenest/internal/plugins/wallet"
	"github.com/fablenest/fablenest/internal/push"
)

// retentionSweepInterval is how often the notification retention sweep runs.
const retentionSweepInterval = 24 * time.Hour

// RegisterRoutes builds every plugin (repositories, services, handlers) and
// mounts the whole API under /api/v1.
//
// This is the single aggregation point: when a new plugin is added, it is
// constructed and registered here. Notifier wiring happens last because the
// notifications plugin depends on auth for its routes while auth, wallet and
// stories emit events through it.
func (a *App) RegisterRoutes() {
	e := a.Echo

	// Health check endpoint for container orchestration.
	e.GET("/healthz", func(c echo.Context) error {
		if err := a.DB.PingContext(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")

	// --- Shared collaborators ---
	mail := mailer.New(a.Config.Mail)
	google := oauth.NewGoogleVerifier(a.Config.Google.ClientID)
	sender := push.New(a.Config.Push)

	// --- auth ---
	userRepo := auth.NewUserRepository(a.DB)
	tokens := auth.NewTokenManager(a.Config.Auth.SecretKey, a.Config.Auth.SessionTTL)
	authService := auth.NewAuthService(userRepo, tokens, mail, google, nil, a.Config.Auth)
	auth.RegisterRoutes(api, auth.NewHandler(authService, tokens), authService, a.Redis)

	// --- stories (catalog + paywall) ---
	storyRepo := stories.NewStoryRepository(a.DB)
	storyService := stories.NewStoryService(storyRepo, userRepo)
	stories.RegisterRoutes(api, stories.NewHandler(storyService), authService)

	// --- comments ---
	commentRepo := comments.NewCommentRepository(a.DB)
	commentService := comments.NewCommentService(commentRepo, storyRepo)
	comments.RegisterRoutes(api, comments.NewHandler(commentService), authService)

	// --- wallet ---
	walletService := wallet.NewWalletService(userRepo, nil)
	wallet.RegisterRoutes(api, wallet.NewHandler(walletService), authService)

	// --- notifications ---
	notifRepo := notifications.NewNotificationRepository(a.DB)
	notifService := notifications.NewNotificationService(notifRepo, sender)
	notifications.RegisterRoutes(api, notifications.NewHandler(notifService), authService)

	// Late notifier wiring: events from the other plugins land in the feed.
	auth.SetNotifier(authService, notifService)
	wallet.SetNotifier(walletService, notifService)
	stories.SetNotifier(storyService, notifService)

	go notifService.RunRetentionLoop(context.Background(), retentionSweepInterval)
}
