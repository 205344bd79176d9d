package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type recordingAck struct {
	acked, nacked, requeued bool
}

func (r *recordingAck) Ack(uint64, bool) error { r.acked = true; return nil }
func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	r.nacked, r.requeued = true, requeue
	return nil
}
func (r *recordingAck) Reject(_ uint64, requeue bool) error {
	r.nacked, r.requeued = true, requeue
	return nil
}

var errPermanent = errors.New("bad signature")

type stubHandler struct {
	err     error
	gotSig  string
	gotBody string
}

func (s *stubHandler) HandleMessage(_ context.Context, body []byte, sig string) error {
	s.gotBody, s.gotSig = string(body), sig
	return s.err
}

func (s *stubHandler) Retryable(err error) bool { return !errors.Is(err, errPermanent) }

func newTestConsumer(h MessageHandler) *Consumer {
	logger, _ := test.NewNullLogger()
	return NewConsumer("amqp://unused", "payment.events", h, logrus.NewEntry(logger))
}

func delivery(ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"event":"payment.captured"}`),
		Headers:      amqp.Table{SignatureHeader: "sig"},
	}
}

func TestHandleAcksAfterSuccess(t *testing.T) {
	h := &stubHandler{}
	ack := &recordingAck{}

	newTestConsumer(h).handle(context.Background(), delivery(ack))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, "sig", h.gotSig)
	assert.Contains(t, h.gotBody, "payment.captured")
}

func TestHandleRequeuesInfrastructureFailure(t *testing.T) {
	ack := &recordingAck{}
	newTestConsumer(&stubHandler{err: errors.New("db down")}).handle(context.Background(), delivery(ack))

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestHandleDropsPermanentFailure(t *testing.T) {
	ack := &recordingAck{}
	newTestConsumer(&stubHandler{err: errPermanent}).handle(context.Background(), delivery(ack))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued)
}
