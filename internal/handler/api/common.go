package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"payflow/internal/models"
	"payflow/internal/payment"
)

func successResponse(c echo.Context, code int, msg string, obj interface{}) error {
	return c.JSON(code, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, code int, msg string) error {
	return c.JSON(code, models.APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    nil,
	})
}

// paymentErrorResponse answers with the payer-safe message and the error
// code. Raw gateway messages never leave the process.
func paymentErrorResponse(c echo.Context, perr *payment.PaymentError) error {
	return c.JSON(statusForKind(perr.Kind), models.APIResponse{
		Status: false,
		Msg:    payment.UserMessage(perr),
		Obj:    perr,
	})
}

func statusForKind(kind payment.Kind) int {
	switch kind {
	case payment.KindValidation:
		return http.StatusBadRequest
	case payment.KindSecurity:
		return http.StatusForbidden
	case payment.KindPayment:
		return http.StatusPaymentRequired
	case payment.KindConfiguration:
		return http.StatusServiceUnavailable
	case payment.KindNetwork, payment.KindAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
