// Package bookingtest provides in-memory stand-ins for the booking
// service's collaborators.  They follow the production semantics closely
// enough (conditional updates, sold-seat uniqueness, idempotent log
// appends) for race and recovery scenarios to be tested without MySQL or a
// payment gateway.
package bookingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/payment"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/queue"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
)

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// MemoryLedger is an in-memory booking ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	rows   map[string]*model.Booking
	sold   map[string]string
	nextID uint64
	now    func() time.Time

	// Err, when set, is returned by every call.
	Err error
	// Updates counts successful conditional updates.
	Updates int
}

// NewMemoryLedger returns an empty ledger.  now stamps UpdatedAt.
func NewMemoryLedger(now func() time.Time) *MemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &MemoryLedger{rows: map[string]*model.Booking{}, sold: map[string]string{}, now: now}
}

func soldKey(runID, seat string) string { return runID + "|" + seat }

func (l *MemoryLedger) Create(_ context.Context, b *model.Booking) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	for _, row := range l.rows {
		if row.BookingID == b.BookingID || (b.IdempotencyKey != "" && row.IdempotencyKey == b.IdempotencyKey) {
			return repository.ErrDuplicate
		}
	}
	l.nextID++
	b.ID = l.nextID
	b.Version = 1
	if b.CreatedAt.IsZero() {
		b.CreatedAt = l.now()
	}
	b.UpdatedAt = b.CreatedAt
	l.rows[b.BookingID] = b.Clone()
	return nil
}

// Put stores b as-is, replacing any row with the same booking id.
func (l *MemoryLedger) Put(b *model.Booking) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.Version == 0 {
		b.Version = 1
	}
	l.rows[b.BookingID] = b.Clone()
	if b.Status == model.BookingConfirmed {
		for _, s := range b.SeatNumbers() {
			l.sold[soldKey(b.RunID, s)] = b.BookingID
		}
	}
}

func (l *MemoryLedger) GetByBookingID(_ context.Context, bookingID string) (*model.Booking, error) {
	return l.find(func(b *model.Booking) bool { return b.BookingID == bookingID })
}

func (l *MemoryLedger) FindByIdempotencyKey(_ context.Context, key string) (*model.Booking, error) {
	return l.find(func(b *model.Booking) bool { return b.IdempotencyKey == key })
}

func (l *MemoryLedger) FindByProviderOrderID(_ context.Context, orderID string) (*model.Booking, error) {
	return l.find(func(b *model.Booking) bool { return b.Payment.OrderID == orderID })
}

func (l *MemoryLedger) find(match func(*model.Booking) bool) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	for _, b := range l.rows {
		if match(b) {
			return b.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (l *MemoryLedger) FindExpired(_ context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return l.filter(limit, func(b *model.Booking) bool {
		return b.Status == model.BookingPending && !now.Before(b.ExpiresAt)
	})
}

func (l *MemoryLedger) FindRetryDue(_ context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	return l.filter(limit, func(b *model.Booking) bool {
		return b.Status == model.BookingPending &&
			(b.Payment.Status == model.PaymentCreated || b.Payment.Status == model.PaymentRetrying) &&
			b.Payment.NextPollAt != nil && !b.Payment.NextPollAt.After(now) &&
			now.Before(b.ExpiresAt)
	})
}

func (l *MemoryLedger) filter(limit int, match func(*model.Booking) bool) ([]*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []*model.Booking
	for _, b := range l.rows {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) ListByUser(_ context.Context, f repository.ListFilter) ([]*model.Booking, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, 0, l.Err
	}
	var all []*model.Booking
	for _, b := range l.rows {
		if b.UserID == f.UserID && (f.Status == "" || b.Status == f.Status) {
			all = append(all, b.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if f.Offset >= total {
		return []*model.Booking{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

func (l *MemoryLedger) SoldSeats(_ context.Context, runID string, seats []string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []string
	for _, s := range seats {
		if _, ok := l.sold[soldKey(runID, s)]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Update(_ context.Context, next *model.Booking, expectStatus model.BookingStatus, expectVersion int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	cur, ok := l.rows[next.BookingID]
	if !ok || cur.Status != expectStatus || cur.Version != expectVersion {
		return false, nil
	}
	if expectStatus != model.BookingConfirmed && next.Status == model.BookingConfirmed {
		for _, s := range next.SeatNumbers() {
			if owner, taken := l.sold[soldKey(next.RunID, s)]; taken && owner != next.BookingID {
				return false, repository.ErrConflict
			}
		}
		for _, s := range next.SeatNumbers() {
			l.sold[soldKey(next.RunID, s)] = next.BookingID
		}
	}
	if expectStatus == model.BookingConfirmed && next.Status != model.BookingConfirmed {
		for _, s := range next.SeatNumbers() {
			delete(l.sold, soldKey(next.RunID, s))
		}
	}
	next.Version = expectVersion + 1
	next.UpdatedAt = l.now()
	l.rows[next.BookingID] = next.Clone()
	l.Updates++
	return true, nil
}

// MemoryTxLog is an in-memory transaction log with the same uniqueness
// rule as the transactions table.
type MemoryTxLog struct {
	mu      sync.Mutex
	entries []model.Transaction
	seen    map[string]bool
	Err     error
}

func NewMemoryTxLog() *MemoryTxLog { return &MemoryTxLog{seen: map[string]bool{}} }

func (l *MemoryTxLog) AppendOnce(_ context.Context, t *model.Transaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, l.Err
	}
	key := fmt.Sprintf("%s|%s|%s|%s", t.BookingID, t.Kind, t.Status, t.Ref)
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	t.TransactionID = fmt.Sprintf("tx_%d", len(l.entries)+1)
	l.entries = append(l.entries, *t)
	return true, nil
}

// Entries returns the log of one booking in append order.
func (l *MemoryTxLog) Entries(bookingID string) []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Transaction
	for _, e := range l.entries {
		if e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many entries of kind and status a booking has.
func (l *MemoryTxLog) Count(bookingID string, kind model.TransactionKind, status model.TransactionStatus) int {
	n := 0
	for _, e := range l.Entries(bookingID) {
		if e.Kind == kind && e.Status == status {
			n++
		}
	}
	return n
}

// RecordingNotifier keeps every published event.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []queue.BookingEvent
	Err    error
}

func (n *RecordingNotifier) PublishJSON(_ context.Context, key string, v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	var ev queue.BookingEvent
	switch e := v.(type) {
	case queue.BookingEvent:
		ev = e
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
	}
	ev.Type = key
	n.events = append(n.events, ev)
	return nil
}

// Events returns the published events, optionally only those with key.
func (n *RecordingNotifier) Events(key string) []queue.BookingEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []queue.BookingEvent
	for _, e := range n.events {
		if key == "" || e.Type == key {
			out = append(out, e)
		}
	}
	return out
}

// WebhookSignature is the only webhook signature FakeGateway accepts.
const WebhookSignature = "valid-webhook-signature"

// PaymentSignature is the checkout signature FakeGateway accepts for a
// payment of an order.
func PaymentSignature(orderID, paymentID string) string {
	return "sig:" + orderID + ":" + paymentID
}

// RefundCall records one Refund request.
type RefundCall struct {
	PaymentID string
	Amount    int64
}

// FakeGateway is a scriptable payment gateway.
type FakeGateway struct {
	mu       sync.Mutex
	orders   int
	refunds  []RefundCall
	payments map[string]payment.PaymentInfo

	OrderErr  error
	FetchErr  error
	RefundErr error
	// BeforeOrder, when set, runs at the start of every CreateOrder.
	BeforeOrder func()
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{payments: map[string]payment.PaymentInfo{}}
}

func (g *FakeGateway) CreateOrder(_ context.Context, req payment.OrderRequest) (payment.Order, error) {
	if g.BeforeOrder != nil {
		g.BeforeOrder()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.OrderErr != nil {
		return payment.Order{}, g.OrderErr
	}
	g.orders++
	return payment.Order{ID: fmt.Sprintf("order_%d", g.orders), Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

// Orders returns how many orders were opened.
func (g *FakeGateway) Orders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orders
}

// SetPayment scripts what FetchPayment reports for an order.
func (g *FakeGateway) SetPayment(orderID string, info payment.PaymentInfo) {
	g.mu.Lock()
	g.payments[orderID] = info
	g.mu.Unlock()
}

func (g *FakeGateway) FetchPayment(_ context.Context, orderID string) (payment.PaymentInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FetchErr != nil {
		return payment.PaymentInfo{}, g.FetchErr
	}
	info, ok := g.payments[orderID]
	if !ok {
		return payment.PaymentInfo{State: payment.PaymentStatePending}, nil
	}
	return info, nil
}

func (g *FakeGateway) Refund(_ context.Context, paymentID string, amount int64, _ map[string]string) (payment.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RefundErr != nil {
		return payment.Refund{}, g.RefundErr
	}
	g.refunds = append(g.refunds, RefundCall{PaymentID: paymentID, Amount: amount})
	return payment.Refund{ID: fmt.Sprintf("rfnd_%d", len(g.refunds)), Amount: amount, Status: "processed"}, nil
}

// Refunds returns every accepted refund.
func (g *FakeGateway) Refunds() []RefundCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RefundCall(nil), g.refunds...)
}

func (g *FakeGateway) VerifyWebhook(_ []byte, signature string) bool {
	return signature == WebhookSignature
}

func (g *FakeGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return signature == PaymentSignature(orderID, paymentID)
}
