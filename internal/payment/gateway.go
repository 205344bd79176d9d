// Package payment talks to the payment gateway.  The booking core only sees
// the Gateway interface; RazorpayGateway is the production implementation.
package payment

import (
	"context"
	"errors"
)

// ErrGateway wraps every failure reported by the gateway client.
var ErrGateway = errors.New("payment gateway error")

// OrderRequest opens a gateway order for Amount minor units.
type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is the gateway's view of an opened order.
type Order struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

// PaymentState is the coarse outcome of the payments made against an order.
type PaymentState string

const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStateCaptured PaymentState = "captured"
	PaymentStateFailed   PaymentState = "failed"
)

// PaymentInfo describes the most relevant payment of an order: the captured
// one if any, otherwise the latest attempt.
type PaymentInfo struct {
	PaymentID string
	State     PaymentState
	Amount    int64
}

// Refund is a refund accepted by the gateway.
type Refund struct {
	ID     string
	Amount int64
	Status string
}

// Gateway is everything the booking core needs from a payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	FetchPayment(ctx context.Context, orderID string) (PaymentInfo, error)
	Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (Refund, error)
	VerifyWebhook(body []byte, signature string) bool
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
}
