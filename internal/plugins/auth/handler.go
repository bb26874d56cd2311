package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/middleware"
)

// sessionCookieName is the cookie mirror of the bearer token for browser
// clients. Mobile clients use the Authorization header.
const sessionCookieName = "fablenest_session"

// Handler handles HTTP requests for authentication. Handlers are thin: they
// bind the request, call the service, and write the envelope. No business
// logic lives here.
type Handler struct {
	service    AuthService
	sessionTTL int // seconds, for the cookie Max-Age
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service AuthService, tokens *TokenManager) *Handler {
	return &Handler{
		service:    service,
		sessionTTL: int(tokens.TTL().Seconds()),
	}
}

// observe builds the Observation for a request: body-supplied device and
// location plus the transport-derived client IP.
func observe(c echo.Context, device DeviceInfo, location *GeoPoint) Observation {
	return Observation{
		Device:    device,
		IPAddress: c.RealIP(),
		Location:  location,
	}
}

// Register creates an account (POST /register). No session is issued; the
// response tells the client to check their inbox for the confirmation code.
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	user, err := h.service.Register(c.Request().Context(), RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		Firstname:   req.Firstname,
		Lastname:    req.Lastname,
		AnonymousID: req.AnonymousID,
		Observation: observe(c, req.Device, nil),
	})
	if err != nil {
		return err
	}

	return middleware.Created(c, "account created, please verify your email", echo.Map{
		"user": user,
	})
}

// Login authenticates with email and password (POST /login).
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	token, user, err := h.service.Login(c.Request().Context(), LoginInput{
		Email:       req.Email,
		Password:    req.Password,
		Observation: observe(c, req.Device, req.Location),
	})
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return middleware.OK(c, "signed in", echo.Map{
		"token": token,
		"user":  user,
	})
}

// Anonymous finds or creates the device-bound anonymous account and issues
// a session (POST /anonymous).
func (h *Handler) Anonymous(c echo.Context) error {
	var req AnonymousRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	token, user, err := h.service.AnonymousSession(c.Request().Context(), observe(c, req.Device, nil))
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return middleware.OK(c, "anonymous session created", echo.Map{
		"token": token,
		"user":  user,
	})
}

// Google signs in with a Google ID token (POST /google).
func (h *Handler) Google(c echo.Context) error {
	var req GoogleRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	token, user, err := h.service.GoogleSignIn(c.Request().Context(), GoogleInput{
		IDToken:     req.IDToken,
		Observation: observe(c, req.Device, req.Location),
	})
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return middleware.OK(c, "signed in", echo.Map{
		"token": token,
		"user":  user,
	})
}

// ConfirmEmail consumes the emailed confirmation code and issues the first
// session (POST /confirm-email).
func (h *Handler) ConfirmEmail(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	token, user, err := h.service.ConfirmEmail(c.Request().Context(), req.Token, observe(c, req.Device, req.Location))
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return middleware.OK(c, "email verified", echo.Map{
		"token": token,
		"user":  user,
	})
}

// ConfirmSignIn completes a login that was blocked by the unusual sign-in
// check (POST /confirm-signin).
func (h *Handler) ConfirmSignIn(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	token, user, err := h.service.ConfirmUnusualSignIn(c.Request().Context(), req.Token, observe(c, req.Device, req.Location))
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return middleware.OK(c, "sign-in verified", echo.Map{
		"token": token,
		"user":  user,
	})
}

// ResendVerification re-sends the confirmation code (POST /resend-verification).
func (h *Handler) ResendVerification(c echo.Context) error {
	var req EmailRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if err := h.service.ResendVerification(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return middleware.OK(c, "verification code sent", nil)
}

// ForgotPassword starts a password reset (POST /forgot-password). The
// response is identical whether or not the account exists.
func (h *Handler) ForgotPassword(c echo.Context) error {
	var req EmailRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if err := h.service.ForgotPassword(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return middleware.OK(c, "if an account exists for this email, a reset code has been sent", nil)
}

// ResetPassword consumes the reset code and sets the new password
// (POST /reset-password). All sessions are revoked.
func (h *Handler) ResetPassword(c echo.Context) error {
	var req ResetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if err := h.service.ResetPassword(c.Request().Context(), req.Token, req.Password); err != nil {
		return err
	}
	h.clearSessionCookie(c)
	return middleware.OK(c, "password reset, please sign in again", nil)
}

// --- Authenticated endpoints ---

// Me returns the authenticated user's profile (GET /me).
func (h *Handler) Me(c echo.Context) error {
	return middleware.OK(c, "", echo.Map{"user": GetUser(c)})
}

// ChangePassword updates the password without revoking sessions
// (PUT /password).
func (h *Handler) ChangePassword(c echo.Context) error {
	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if err := h.service.ChangePassword(c.Request().Context(), GetUserID(c), req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	return middleware.OK(c, "password changed", nil)
}

// ChangeUsername updates the username (PUT /username).
func (h *Handler) ChangeUsername(c echo.Context) error {
	var req ChangeUsernameRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	user, err := h.service.ChangeUsername(c.Request().Context(), GetUserID(c), req.Username)
	if err != nil {
		return err
	}
	return middleware.OK(c, "username changed", echo.Map{"user": user})
}

// SignOut removes the presented session (POST /signout).
func (h *Handler) SignOut(c echo.Context) error {
	if err := h.service.SignOut(c.Request().Context(), GetUserID(c), getRawToken(c)); err != nil {
		return err
	}
	h.clearSessionCookie(c)
	return middleware.OK(c, "signed out", nil)
}

// --- Cookie helpers ---

// setSessionCookie mirrors the bearer token into an http-only cookie for
// browser clients. Secure when behind TLS or a terminating proxy.
func (h *Handler) setSessionCookie(c echo.Context, token string) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   h.sessionTTL,
	})
}

// clearSessionCookie removes the session cookie by setting MaxAge to -1.
func (h *Handler) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
