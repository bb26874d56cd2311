package notifications

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/middleware"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Handler handles HTTP requests for the notification feed.
type Handler struct {
	service NotificationService
}

// NewHandler creates a new notifications handler.
func NewHandler(service NotificationService) *Handler {
	return &Handler{service: service}
}

// List returns the signed-in user's feed (GET /notifications?unread=true).
func (h *Handler) List(c echo.Context) error {
	unreadOnly := c.QueryParam("unread") == "true"
	items, err := h.service.List(c.Request().Context(), auth.GetUserID(c), unreadOnly)
	if err != nil {
		return err
	}
	return middleware.OK(c, "", echo.Map{"notifications": items})
}

// MarkRead flips one notification (PUT /notifications/:id/read).
func (h *Handler) MarkRead(c echo.Context) error {
	modified, err := h.service.MarkRead(
		c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return middleware.OK(c, "", echo.Map{"modified": modified})
}

// MarkAllRead flips everything unread (PUT /notifications/read-all).
func (h *Handler) MarkAllRead(c echo.Context) error {
	n, err := h.service.MarkAllRead(c.Request().Context(), auth.GetUserID(c))
	if err != nil {
		return err
	}
	return middleware.OK(c, "", echo.Map{"modified": n})
}

// Delete removes one notification (DELETE /notifications/:id).
func (h *Handler) Delete(c echo.Context) error {
	err := h.service.Delete(c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return middleware.OK(c, "notification deleted", nil)
}

// RegisterDevice registers a push token (POST /notifications/devices).
func (h *Handler) RegisterDevice(c echo.Context) error {
	var req RegisterDeviceRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	device, err := h.service.RegisterDevice(c.Request().Context(), auth.GetUserID(c), req)
	if err != nil {
		return err
	}

	return middleware.Created(c, "device registered", echo.Map{"device": device})
}
