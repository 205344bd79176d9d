package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the gateway signature of a relayed payment event.
const SignatureHeader = "x-signature"

// MessageHandler applies one payment event.  Retryable tells the consumer
// whether a failed message should go back on the queue.
type MessageHandler interface {
	HandleMessage(ctx context.Context, body []byte, signature string) error
	Retryable(err error) bool
}

// Consumer drains the payment event queue.  A message is acknowledged only
// after its handler returned, which for payment events means after the
// booking transition committed.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	handler  MessageHandler
	log      *logrus.Entry
}

// NewConsumer returns a consumer of queue on the broker at url.
func NewConsumer(url, queue string, h MessageHandler, log *logrus.Entry) *Consumer {
	if h == nil {
		panic("nil handler passed to queue.NewConsumer")
	}
	return &Consumer{url: url, queue: queue, prefetch: 50, handler: h, log: log}
}

// Run connects, consumes and reconnects with backoff until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.WithError(err).Warnf("payment-consumer: dial failed, retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		c.log.WithError(err).Warn("payment-consumer: consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.WithError(err).Warn("payment-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle applies one delivery and settles it.  Infrastructure failures are
// requeued; messages that can never succeed are dropped.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	sig, _ := d.Headers[SignatureHeader].(string)
	err := c.handler.HandleMessage(ctx, d.Body, sig)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	entry := c.log.WithError(err).WithField("delivery_tag", d.DeliveryTag)
	if c.handler.Retryable(err) {
		entry.Warn("payment-consumer: handling failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	entry.Error("payment-consumer: rejecting message")
	_ = d.Nack(false, false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
