package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Envelope is the standard success response body. Every endpoint responds
// with this shape (or the failure shape produced by the app error handler)
// so clients can parse responses uniformly.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a 200 success envelope with optional data.
func OK(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, Envelope{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// Created writes a 201 success envelope with optional data.
func Created(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusCreated, Envelope{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}
