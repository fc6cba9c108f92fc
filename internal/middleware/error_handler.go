package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"paygate_app_echo/internal/x402"
)

// StatusForCode maps a protocol error code to its HTTP status. Every code is
// locally recoverable; none crashes the process.
func StatusForCode(code x402.ErrorCode) int {
	switch code {
	case x402.CodeBadPaymentHeader:
		return http.StatusBadRequest
	case x402.CodeRequestNotFound:
		return http.StatusNotFound
	case x402.CodeAlreadySettled:
		return http.StatusConflict
	case x402.CodeNonceLockTimeout:
		return http.StatusServiceUnavailable
	case x402.CodeSettlementFailed:
		return http.StatusBadGateway
	case x402.CodeInvalidSignature, x402.CodeTermsMismatch, x402.CodeExpired, x402.CodeRequestCancelled:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// CustomErrorHandler creates a custom error handler for Echo that renders
// every error as a JSON body.
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "Something went wrong. Please try again later."

	var protoErr *x402.Error
	var httpErr *echo.HTTPError

	switch {
	case errors.As(err, &protoErr):
		code = StatusForCode(protoErr.Code)
		message = string(protoErr.Code)
	case errors.As(err, &httpErr):
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok && msg != "" {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	}

	c.Logger().Error(err)

	if jsonErr := c.JSON(code, map[string]interface{}{"error": message}); jsonErr != nil {
		c.Logger().Error(jsonErr)
	}
}
