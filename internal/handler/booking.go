package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/middleware"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// HeaderIdempotencyKey identifies a booking request across client retries.
const HeaderIdempotencyKey = "Idempotency-Key"

// BookingService is the booking API exposed over HTTP.
type BookingService interface {
	InitiateBooking(ctx context.Context, req booking.InitiateRequest) (*booking.InitiateResult, error)
	GetBookingDetails(ctx context.Context, bookingID, userID string) (*model.Booking, error)
	ListUserBookings(ctx context.Context, userID string, q booking.ListQuery) (*booking.Page, error)
	Receipt(ctx context.Context, bookingID, userID string) (*booking.Receipt, error)
	ExtendHold(ctx context.Context, bookingID, userID string, extendBy time.Duration) (*model.Booking, error)
	CancelBooking(ctx context.Context, bookingID, userID, reason string) (*model.Booking, error)
	ConfirmClientPayment(ctx context.Context, bookingID, userID, paymentID, signature string) (*model.Booking, error)
}

// BookingHandler serves /v1/bookings.  JWTAuth runs first, so every
// method can rely on an authenticated user id.
type BookingHandler struct {
	svc BookingService
	log *logrus.Entry
}

func NewBookingHandler(svc BookingService, log *logrus.Entry) *BookingHandler {
	if svc == nil {
		panic("nil service passed to NewBookingHandler")
	}
	return &BookingHandler{svc: svc, log: log}
}

type createBookingRequest struct {
	RunID          string             `json:"run_id"`
	Seats          []model.BookedSeat `json:"seats"`
	DepartureAt    *time.Time         `json:"departure_at"`
	Source         string             `json:"source"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// Create handles POST /v1/bookings.  The Idempotency-Key header (or the
// idempotency_key body field) is mandatory.  A new booking answers 201; a
// replay of an earlier request answers 200 with the original booking.
func (h *BookingHandler) Create(c echo.Context) error {
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(body.IdempotencyKey)
	}
	source := body.Source
	if source == "" {
		source = "WEB"
	}
	res, err := h.svc.InitiateBooking(c.Request().Context(), booking.InitiateRequest{
		UserID:         middleware.UserID(c),
		RunID:          body.RunID,
		Seats:          body.Seats,
		IdempotencyKey: key,
		DepartureAt:    body.DepartureAt,
		Source:         source,
	})
	if err != nil {
		return h.fail(c, err)
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	return c.JSON(code, res.Booking)
}

// List handles GET /v1/bookings?page=&limit=&status=.
func (h *BookingHandler) List(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	res, err := h.svc.ListUserBookings(c.Request().Context(), middleware.UserID(c), booking.ListQuery{
		Page:   page,
		Limit:  limit,
		Status: model.BookingStatus(strings.ToUpper(c.QueryParam("status"))),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.svc.GetBookingDetails(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Receipt handles GET /v1/bookings/:id/receipt.
func (h *BookingHandler) Receipt(c echo.Context) error {
	r, err := h.svc.Receipt(c.Request().Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// Extend handles POST /v1/bookings/:id/extend with an optional
// {"extend_seconds": n} body; without it the hold gets a fresh full TTL.
func (h *BookingHandler) Extend(c echo.Context) error {
	var body struct {
		ExtendSeconds int `json:"extend_seconds"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ExtendSeconds < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "extend_seconds must be positive"})
	}
	b, err := h.svc.ExtendHold(c.Request().Context(), c.Param("id"), middleware.UserID(c),
		time.Duration(body.ExtendSeconds)*time.Second)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), c.Param("id"), middleware.UserID(c), body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// ConfirmPayment handles POST /v1/bookings/:id/payment, the checkout
// callback carrying razorpay_payment_id and razorpay_signature.
func (h *BookingHandler) ConfirmPayment(c echo.Context) error {
	var body struct {
		PaymentID string `json:"razorpay_payment_id"`
		Signature string `json:"razorpay_signature"`
	}
	if err := c.Bind(&body); err != nil || body.PaymentID == "" || body.Signature == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "razorpay_payment_id and razorpay_signature are required"})
	}
	b, err := h.svc.ConfirmClientPayment(c.Request().Context(), c.Param("id"), middleware.UserID(c), body.PaymentID, body.Signature)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// fail maps booking errors to HTTP responses.
func (h *BookingHandler) fail(c echo.Context, err error) error {
	var conflict *booking.ConflictError
	var lost *booking.LockLostError
	switch {
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "some seats are unavailable", "unavailable": conflict.Seats})
	case errors.As(err, &lost):
		return c.JSON(http.StatusConflict, echo.Map{"error": "hold lost", "seats": lost.Seats})
	case errors.Is(err, booking.ErrInvalidRequest), errors.Is(err, booking.ErrSignature):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, booking.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, booking.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "booking hold expired"})
	case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrReceiptUnavailable):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, booking.ErrPaymentOrder):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable"})
	case errors.Is(err, booking.ErrInfrastructure):
		h.log.WithError(err).Error("booking request failed")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily unavailable"})
	}
	h.log.WithError(err).Error("unexpected booking error")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
