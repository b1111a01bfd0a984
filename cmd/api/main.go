package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/clock"
	"leaseflow/config"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/event"
	"leaseflow/httpapi"
	"leaseflow/notify"
	"leaseflow/payment"
	"leaseflow/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.System()
	ledger := escrow.NewLedger()
	agreements := agreement.NewService(pool, clk, cfg.Lifecycle, ledger, log.Named("agreement"))
	claims := claim.NewService(pool, clk, ledger, log.Named("claim"))
	deposits := escrow.NewReader(pool, ledger)
	gateway := payment.NewMemoryGateway()

	var dispatcher notify.Dispatcher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		defer client.Close()
		dispatcher = notify.NewRedisDispatcher(client, cfg.Redis.ChannelPrefix, cfg.Redis.PublishTimeout)
		log.Info("publishing notifications to redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		dispatcher = notify.NewLogDispatcher(log.Named("notify"))
		log.Info("no REDIS_ADDR set, notifications go to the log")
	}

	worker := notify.NewWorker(pool, dispatcher, log.Named("outbox"), cfg.Sweep.OutboxBatchSize, cfg.Sweep.OutboxMaxAttempts)
	worker.OnPublished = func(ctx context.Context, topic string, payload []byte) error {
		if topic != event.TopicClaimSubmitted {
			return nil
		}
		var body struct {
			ClaimID string `json:"claim_id"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.ClaimID == "" {
			return err
		}
		_, err := claims.MarkTenantNotified(ctx, body.ClaimID)
		return err
	}

	handlers := httpapi.NewHandlers(agreements, claims, deposits, gateway, clk, log.Named("http"))
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewRouter(handlers, []byte(cfg.Auth.JWTSecret)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sched := scheduler.New(log.Named("scheduler"),
		scheduler.Task{
			Name:     "agreement-expiry",
			Interval: cfg.Sweep.ExpiryInterval,
			Run: func(ctx context.Context) error {
				_, err := agreements.SweepExpiry(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:     "inspection-close",
			Interval: cfg.Sweep.InspectionInterval,
			Run: func(ctx context.Context) error {
				_, err := claims.SweepInspectionClose(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:     "outbox-drain",
			Interval: cfg.Sweep.OutboxInterval,
			Run: func(ctx context.Context) error {
				_, err := worker.DrainOnce(ctx)
				return err
			},
		},
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
