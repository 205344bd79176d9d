package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/middleware"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/webhook"
)

type stubService struct {
	initiate func(booking.InitiateRequest) (*booking.InitiateResult, error)
	err      error
	got      struct {
		userID, bookingID, reason string
		extendBy                  time.Duration
		query                     booking.ListQuery
	}
}

func (s *stubService) InitiateBooking(_ context.Context, req booking.InitiateRequest) (*booking.InitiateResult, error) {
	return s.initiate(req)
}

func (s *stubService) GetBookingDetails(_ context.Context, id, userID string) (*model.Booking, error) {
	s.got.bookingID, s.got.userID = id, userID
	if s.err != nil {
		return nil, s.err
	}
	return &model.Booking{BookingID: id, UserID: userID, Status: model.BookingPending}, nil
}

func (s *stubService) ListUserBookings(_ context.Context, userID string, q booking.ListQuery) (*booking.Page, error) {
	s.got.userID, s.got.query = userID, q
	return &booking.Page{Page: q.Page, Limit: q.Limit}, s.err
}

func (s *stubService) Receipt(_ context.Context, id, _ string) (*booking.Receipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &booking.Receipt{BookingID: id}, nil
}

func (s *stubService) ExtendHold(_ context.Context, id, _ string, d time.Duration) (*model.Booking, error) {
	s.got.bookingID, s.got.extendBy = id, d
	if s.err != nil {
		return nil, s.err
	}
	return &model.Booking{BookingID: id}, nil
}

func (s *stubService) CancelBooking(_ context.Context, id, _ string, reason string) (*model.Booking, error) {
	s.got.bookingID, s.got.reason = id, reason
	if s.err != nil {
		return nil, s.err
	}
	return &model.Booking{BookingID: id, Status: model.BookingCancelled}, nil
}

func (s *stubService) ConfirmClientPayment(_ context.Context, id, _, _, _ string) (*model.Booking, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Booking{BookingID: id, Status: model.BookingConfirmed}, nil
}

func newServer(svc BookingService) *echo.Echo {
	logger, _ := logtest.NewNullLogger()
	h := NewBookingHandler(svc, logrus.NewEntry(logger))
	e := echo.New()
	auth := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(middleware.ContextUserID, "u1")
			return next(c)
		}
	}
	g := e.Group("/v1/bookings", auth)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/receipt", h.Receipt)
	g.POST("/:id/extend", h.Extend)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/payment", h.ConfirmPayment)
	return e
}

func do(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateBooking(t *testing.T) {
	var seen booking.InitiateRequest
	svc := &stubService{initiate: func(req booking.InitiateRequest) (*booking.InitiateResult, error) {
		seen = req
		return &booking.InitiateResult{Booking: &model.Booking{BookingID: "bk_1", Status: model.BookingPending}}, nil
	}}
	e := newServer(svc)

	rec := do(e, http.MethodPost, "/v1/bookings",
		`{"run_id":"run1","seats":[{"seat_number":"A1","price":500,"segment":{"from":"DEL","to":"JAI"}}]}`,
		map[string]string{HeaderIdempotencyKey: "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"booking_id":"bk_1"`)
	assert.Equal(t, "u1", seen.UserID)
	assert.Equal(t, "key-1", seen.IdempotencyKey)
	assert.Equal(t, "WEB", seen.Source)
	assert.Equal(t, []model.BookedSeat{{SeatNumber: "A1", Price: 500, Segment: model.Segment{From: "DEL", To: "JAI"}}}, seen.Seats)
}

func TestCreateBookingReplayAnswers200(t *testing.T) {
	svc := &stubService{initiate: func(booking.InitiateRequest) (*booking.InitiateResult, error) {
		return &booking.InitiateResult{Booking: &model.Booking{BookingID: "bk_1"}, Duplicate: true}, nil
	}}
	rec := do(newServer(svc), http.MethodPost, "/v1/bookings", `{"run_id":"run1","seats":[{"seat_number":"A1"}]}`,
		map[string]string{HeaderIdempotencyKey: "key-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateBookingErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&booking.ConflictError{Seats: []string{"A1"}}, http.StatusConflict},
		{booking.ErrInvalidRequest, http.StatusBadRequest},
		{&booking.PaymentOrderError{Err: errors.New("down")}, http.StatusBadGateway},
		{&booking.InfrastructureError{Op: "acquire", Err: errors.New("redis")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubService{initiate: func(booking.InitiateRequest) (*booking.InitiateResult, error) { return nil, tc.err }}
		rec := do(newServer(svc), http.MethodPost, "/v1/bookings", `{"run_id":"run1"}`, nil)
		assert.Equal(t, tc.code, rec.Code, "%v", tc.err)
	}

	svc := &stubService{initiate: func(booking.InitiateRequest) (*booking.InitiateResult, error) {
		return nil, &booking.ConflictError{Seats: []string{"A1", "A2"}}
	}}
	rec := do(newServer(svc), http.MethodPost, "/v1/bookings", `{"run_id":"run1"}`, nil)
	assert.JSONEq(t, `{"error":"some seats are unavailable","unavailable":["A1","A2"]}`, rec.Body.String())
}

func TestBookingReadAndWriteRoutes(t *testing.T) {
	svc := &stubService{}
	e := newServer(svc)

	rec := do(e, http.MethodGet, "/v1/bookings/bk_9", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bk_9", svc.got.bookingID)
	assert.Equal(t, "u1", svc.got.userID)

	rec = do(e, http.MethodGet, "/v1/bookings?page=2&limit=5&status=confirmed", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, booking.ListQuery{Page: 2, Limit: 5, Status: model.BookingConfirmed}, svc.got.query)

	rec = do(e, http.MethodPost, "/v1/bookings/bk_9/extend", `{"extend_seconds":90}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90*time.Second, svc.got.extendBy)

	rec = do(e, http.MethodPost, "/v1/bookings/bk_9/cancel", `{"reason":"plans changed"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "plans changed", svc.got.reason)

	rec = do(e, http.MethodPost, "/v1/bookings/bk_9/payment", `{"razorpay_payment_id":"pay_1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(e, http.MethodPost, "/v1/bookings/bk_9/payment", `{"razorpay_payment_id":"pay_1","razorpay_signature":"s"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBookingErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		method string
		path   string
		code   int
	}{
		{booking.ErrNotFound, http.MethodGet, "/v1/bookings/x", http.StatusNotFound},
		{booking.ErrExpired, http.MethodPost, "/v1/bookings/x/extend", http.StatusGone},
		{&booking.LockLostError{Seats: []string{"A1"}}, http.MethodPost, "/v1/bookings/x/extend", http.StatusConflict},
		{&booking.TransitionError{BookingID: "x", From: model.BookingExpired, To: model.BookingCancelled}, http.MethodPost, "/v1/bookings/x/cancel", http.StatusConflict},
		{booking.ErrReceiptUnavailable, http.MethodGet, "/v1/bookings/x/receipt", http.StatusConflict},
	}
	for _, tc := range cases {
		rec := do(newServer(&stubService{err: tc.err}), tc.method, tc.path, "", nil)
		assert.Equal(t, tc.code, rec.Code, "%s %s: %v", tc.method, tc.path, tc.err)
	}
}

type stubIngress struct {
	body []byte
	sig  string
	res  webhook.Result
	err  error
}

func (s *stubIngress) Handle(_ context.Context, body []byte, sig string) (webhook.Result, error) {
	s.body, s.sig = body, sig
	return s.res, s.err
}

func TestWebhookHandler(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{webhook.ErrUnauthenticated, http.StatusUnauthorized},
		{webhook.ErrMalformed, http.StatusBadRequest},
		{&booking.InfrastructureError{Op: "update", Err: errors.New("db")}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		in := &stubIngress{err: tc.err}
		e := echo.New()
		e.POST("/webhooks/payment", NewWebhookHandler(in).Payment)

		rec := do(e, http.MethodPost, "/webhooks/payment", `{"event":"payment.captured"}`,
			map[string]string{HeaderRazorpaySignature: "abc"})
		assert.Equal(t, tc.code, rec.Code)
		assert.Equal(t, `{"event":"payment.captured"}`, string(in.body))
		assert.Equal(t, "abc", in.sig)
	}
}

type stubLocks struct{ locks []model.SeatLock }

func (s stubLocks) ListLocks(context.Context, string) ([]model.SeatLock, error) { return s.locks, nil }

func TestAdminRunLocks(t *testing.T) {
	e := echo.New()
	e.GET("/v1/admin/runs/:id/locks", NewAdminHandler(stubLocks{locks: []model.SeatLock{{RunID: "run1", SeatNumber: "A1", BookingID: "bk_1"}}}).RunLocks)

	rec := do(e, http.MethodGet, "/v1/admin/runs/run1/locks", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.NotContains(t, rec.Body.String(), "owner")
}

func TestHealth(t *testing.T) {
	e := echo.New()
	e.GET("/healthz", Health(map[string]Pinger{
		"mysql": PingFunc(func(context.Context) error { return nil }),
		"redis": PingFunc(func(context.Context) error { return errors.New("down") }),
	}))
	rec := do(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"mysql":"ok","redis":"down"}`, rec.Body.String())

	e = echo.New()
	e.GET("/healthz", Health(nil))
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/healthz", "", nil).Code)
}
