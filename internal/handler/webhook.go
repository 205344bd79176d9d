package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/webhook"
)

// HeaderRazorpaySignature carries the HMAC of the raw webhook body.
const HeaderRazorpaySignature = "X-Razorpay-Signature"

// maxWebhookBody caps how much of a webhook request is read.
const maxWebhookBody = 1 << 20

// WebhookProcessor applies a raw gateway event.
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte, signature string) (webhook.Result, error)
}

// WebhookHandler serves POST /webhooks/payment.  Any 2xx tells the gateway
// to stop redelivering, so only failures worth a retry answer 5xx.
type WebhookHandler struct {
	ingress WebhookProcessor
}

func NewWebhookHandler(in WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{ingress: in}
}

func (h *WebhookHandler) Payment(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	res, err := h.ingress.Handle(c.Request().Context(), body, c.Request().Header.Get(HeaderRazorpaySignature))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "ignored": res.Ignored})
	case errors.Is(err, webhook.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	case errors.Is(err, webhook.ErrMalformed):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed payload"})
	}
	return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "try again later"})
}
