package payment

import (
	"context"
	"fmt"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// orderAPI and paymentAPI are the parts of the Razorpay client in use.
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Payments(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type paymentAPI interface {
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayGateway implements Gateway on the Razorpay REST API.
type RazorpayGateway struct {
	orders        orderAPI
	payments      paymentAPI
	keySecret     string
	webhookSecret string
}

// NewRazorpayGateway builds a gateway from API credentials.
func NewRazorpayGateway(keyID, keySecret, webhookSecret string) *RazorpayGateway {
	client := razorpay.NewClient(keyID, keySecret)
	return &RazorpayGateway{
		orders:        client.Order,
		payments:      client.Payment,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
	}
}

// CreateOrder opens an order; the receipt is our booking id.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	notes := make(map[string]interface{}, len(req.Notes))
	for k, v := range req.Notes {
		notes[k] = v
	}
	body, err := g.orders.Create(map[string]interface{}{
		"amount":          req.Amount,
		"currency":        req.Currency,
		"receipt":         req.Receipt,
		"notes":           notes,
		"payment_capture": 1,
	}, nil)
	if err != nil {
		return Order{}, fmt.Errorf("%w: create order: %v", ErrGateway, err)
	}
	o := Order{
		ID:       str(body["id"]),
		Amount:   num(body["amount"]),
		Currency: str(body["currency"]),
		Status:   str(body["status"]),
	}
	if o.ID == "" {
		return Order{}, fmt.Errorf("%w: create order: response without id", ErrGateway)
	}
	return o, nil
}

// FetchPayment inspects the payments of an order.  A captured payment wins;
// otherwise the most recent attempt decides between failed and pending.
func (g *RazorpayGateway) FetchPayment(ctx context.Context, orderID string) (PaymentInfo, error) {
	if err := ctx.Err(); err != nil {
		return PaymentInfo{}, err
	}
	body, err := g.orders.Payments(orderID, nil, nil)
	if err != nil {
		return PaymentInfo{}, fmt.Errorf("%w: order payments: %v", ErrGateway, err)
	}
	items, _ := body["items"].([]interface{})
	var (
		latest   map[string]interface{}
		latestAt int64 = -1
	)
	for _, it := range items {
		p, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if str(p["status"]) == "captured" {
			return PaymentInfo{PaymentID: str(p["id"]), State: PaymentStateCaptured, Amount: num(p["amount"])}, nil
		}
		if at := num(p["created_at"]); at > latestAt {
			latest, latestAt = p, at
		}
	}
	if latest == nil {
		return PaymentInfo{State: PaymentStatePending}, nil
	}
	info := PaymentInfo{PaymentID: str(latest["id"]), Amount: num(latest["amount"]), State: PaymentStatePending}
	if str(latest["status"]) == "failed" {
		info.State = PaymentStateFailed
	}
	return info, nil
}

// Refund refunds amount minor units of a captured payment.
func (g *RazorpayGateway) Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, err
	}
	data := map[string]interface{}{}
	if len(notes) > 0 {
		n := make(map[string]interface{}, len(notes))
		for k, v := range notes {
			n[k] = v
		}
		data["notes"] = n
	}
	body, err := g.payments.Refund(paymentID, int(amount), data, nil)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: refund %s: %v", ErrGateway, paymentID, err)
	}
	return Refund{ID: str(body["id"]), Amount: num(body["amount"]), Status: str(body["status"])}, nil
}

// VerifyWebhook checks the X-Razorpay-Signature header against the raw body.
func (g *RazorpayGateway) VerifyWebhook(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return utils.VerifyWebhookSignature(string(body), signature, g.webhookSecret)
}

// VerifyPaymentSignature checks the checkout signature over order|payment.
func (g *RazorpayGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if signature == "" {
		return false
	}
	return utils.VerifyPaymentSignature(map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}, signature, g.keySecret)
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}
