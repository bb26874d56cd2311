package wallet

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/middleware"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Handler handles HTTP requests for the wallet.
type Handler struct {
	service WalletService
}

// NewHandler creates a new wallet handler.
func NewHandler(service WalletService) *Handler {
	return &Handler{service: service}
}

// Balance returns the signed-in user's balances (GET /wallet).
func (h *Handler) Balance(c echo.Context) error {
	user := auth.GetUser(c)
	return middleware.OK(c, "", Balance{Vouchers: user.Vouchers, Coins: user.Coins})
}

// Adjust moves a user's balances by staff-supplied deltas
// (POST /wallet/adjust, staff only).
func (h *Handler) Adjust(c echo.Context) error {
	var req AdjustRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.UserID == "" {
		return apperror.NewBadRequest("user_id is required")
	}

	balance, err := h.service.Adjust(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return middleware.OK(c, "balance adjusted", balance)
}

// Gift transfers coins to another user (POST /wallet/gift).
func (h *Handler) Gift(c echo.Context) error {
	var req GiftRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	balance, err := h.service.Gift(
		c.Request().Context(), auth.GetUser(c), req.RecipientID, req.Coins)
	if err != nil {
		return err
	}

	return middleware.OK(c, "coins gifted", balance)
}

// Convert exchanges coins for vouchers (POST /wallet/convert).
func (h *Handler) Convert(c echo.Context) error {
	var req ConvertRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	balance, err := h.service.Convert(c.Request().Context(), auth.GetUserID(c), req.Coins)
	if err != nil {
		return err
	}

	return middleware.OK(c, "coins converted", balance)
}
