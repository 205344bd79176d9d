// Package worker holds the background jobs that keep bookings and seat
// locks consistent: hold expiry, lock reconciliation and payment retries.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("worker")

// Sweeper runs one pass of a background job and reports how many items it
// changed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Loop runs s immediately and then every interval until ctx is done.  A
// pass never overlaps the previous one; ticks missed while a pass runs are
// dropped.  Errors are logged and the loop carries on.
func Loop(ctx context.Context, name string, interval time.Duration, s Sweeper, log *logrus.Entry) {
	log = log.WithField("worker", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval).Info("worker started")
	for {
		n, err := sweep(ctx, name, s)
		switch {
		case err != nil && ctx.Err() == nil:
			log.WithError(err).Warn("sweep failed")
		case n > 0:
			log.WithField("changed", n).Info("sweep done")
		}
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, name string, s Sweeper) (int, error) {
	ctx, span := tracer.Start(ctx, name+".sweep")
	defer span.End()
	n, err := s.Sweep(ctx)
	span.SetAttributes(attribute.Int("worker.changed", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}
