package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/booking"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/config"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/database"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/handler"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/lease"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/middleware"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/obs"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/payment"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/queue"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/repository"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/router"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/seatlock"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/webhook"
	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := obs.NewLogger(cfg.Log, cfg.Otel.ServiceName).WithField("env", cfg.Env)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Otel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DB.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	publisher, err := queue.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	if err != nil {
		return err
	}
	defer publisher.Close()

	locks := seatlock.NewManager(lease.NewStore(rdb), seatlock.WithLogger(log.WithField("component", "seatlock")))
	ledger := repository.NewBookingRepo(db)
	gateway := payment.NewRazorpayGateway(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Razorpay.WebhookSecret)

	svc := booking.NewService(ledger, locks, gateway, repository.NewTransactionRepo(db), publisher,
		booking.WithHoldTTL(cfg.Booking.HoldTTL),
		booking.WithRetryPolicy(cfg.Booking.MaxRetryAttempts, cfg.Booking.RetryBaseDelay, cfg.Booking.RetryMaxDelay),
		booking.WithPollLimit(cfg.Booking.MaxPolls),
		booking.WithCurrency(cfg.Booking.Currency),
		booking.WithLogger(log.WithField("component", "booking")),
	)
	ingress := webhook.NewIngress(gateway, svc, log.WithField("component", "webhook"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log.WithField("component", "http")))

	router.RegisterRoutes(e, router.Deps{
		JWTSecret: cfg.JWTSecret,
		Bookings:  handler.NewBookingHandler(svc, log.WithField("component", "http")),
		Webhooks:  handler.NewWebhookHandler(ingress),
		Admin:     handler.NewAdminHandler(locks),
		Health: handler.Health(map[string]handler.Pinger{
			"mysql": db,
			"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		}),
		RateLimit: middleware.NewRateLimiter(cfg.RateLimit, rdb, log.WithField("component", "ratelimit")).Middleware(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Infof("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	w := cfg.Workers
	g.Go(func() error {
		worker.Loop(gctx, "expiry-reconciler", w.ExpiryInterval,
			worker.NewExpiryReconciler(ledger, svc, w.ExpiryBatch, time.Now, log), log)
		return nil
	})
	g.Go(func() error {
		worker.Loop(gctx, "lock-reconciler", w.LockInterval,
			worker.NewLockReconciler(locks, ledger, w.LockOrphanGrace, time.Now, log), log)
		return nil
	})
	g.Go(func() error {
		worker.Loop(gctx, "payment-retry", w.RetryInterval,
			worker.NewPaymentRetryWorker(ledger, svc, w.RetryBatch, time.Now, log), log)
		return nil
	})
	if cfg.RabbitMQ.ConsumePayments {
		c := queue.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.PaymentQueue, ingress, log.WithField("component", "payment-consumer"))
		g.Go(func() error { return c.Run(gctx) })
	}

	return g.Wait()
}
