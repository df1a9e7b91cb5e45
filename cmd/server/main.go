/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the promotion engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file, then PROMO_* env)
  2. Open the SQL store and connect to Redis
  3. Seed coupon policies from coupon.seed_file, if set
  4. Build the coupon gates (pessimistic, distributed, queued) and the
     point service
  5. Start the issue-queue consumer and the balance scheduler
  6. Start the HTTP server

COMMAND-LINE FLAGS:
  --config, -c   YAML config file (env CONFIG_PATH)
  --port         Overrides http.port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler and the queue consumer
  4. Close Redis and the database

EXAMPLES:
  # Defaults: SQLite promo.db, Redis on localhost:6379
  ./server

  # With a config file on another port
  ./server -c config.yaml --port 3000

SEE ALSO:
  - config/config.go: Configuration keys and env overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/traffic/promotion-engine/api"
	"github.com/traffic/promotion-engine/cache"
	"github.com/traffic/promotion-engine/config"
	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/factory"
	"github.com/traffic/promotion-engine/lock"
	"github.com/traffic/promotion-engine/logging"
	"github.com/traffic/promotion-engine/metrics"
	"github.com/traffic/promotion-engine/points"
	"github.com/traffic/promotion-engine/queue"
	"github.com/traffic/promotion-engine/store/sqldb"
)

var Version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "promotion-engine",
		Usage:   "coupon quota and point ledger service",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "HTTP server port (overrides config)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			if cmd.IsSet("port") {
				cfg.HTTP.Port = int(cmd.Int("port"))
			}
			return run(ctx, cfg)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "promotion-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	// Initialize store
	store, err := sqldb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	rdb, err := cache.NewClient(ctx, cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	locker := lock.NewRedis(rdb)
	counter := cache.NewCounter(rdb)
	state := cache.NewState(rdb)
	rec := metrics.New()

	// Coupons
	policies := coupon.NewPolicyService(store, counter, state, nil, log)
	opts := coupon.Options{
		LockWait:   cfg.Coupon.LockWait,
		LockLease:  cfg.Coupon.LockLease,
		OnePerUser: cfg.Coupon.OnePerUser,
		Log:        log,
	}
	if cfg.Coupon.SeedFile != "" {
		if err := seedPolicies(ctx, cfg.Coupon.SeedFile, policies, log); err != nil {
			return err
		}
	}
	pessimistic := coupon.NewPessimistic(store, counter, state, opts)
	distributed := coupon.NewDistributed(store, policies, locker, counter, cache.NewMembers(rdb), state, opts)

	broker := newBroker(cfg.Queue, rdb, locker, log)
	producerOpts := []queue.ProducerOption{queue.WithLogger(log)}
	if cfg.Queue.SubmitRate > 0 {
		producerOpts = append(producerOpts, queue.WithRate(cfg.Queue.SubmitRate, cfg.Queue.SubmitBurst))
	}
	queued := coupon.NewQueued(policies, queue.NewProducer(broker, producerOpts...), nil)
	consumer := queue.NewConsumer(broker,
		coupon.QueueHandler(coupon.InstrumentGate(distributed, coupon.StrategyQueued.Version(), rec)),
		log.WithField("component", "issue-consumer"))

	// Points
	pointService := points.NewService(store, locker, cache.NewBalances(rdb), points.Options{
		LockWait:  cfg.Points.LockWait,
		LockLease: cfg.Points.LockLease,
		Log:       log,
		Observer:  rec,
	})

	defaultStrategy, err := coupon.ParseStrategy(cfg.Coupon.Strategy)
	if err != nil {
		return err
	}
	handler := api.NewHandler(api.Deps{
		Policies: policies,
		Coupons:  coupon.NewService(store, policies, state, nil, log),
		Points:   pointService,
		Issuers: []coupon.Issuer{
			coupon.Instrument(coupon.Synchronous(coupon.StrategyPessimistic, pessimistic), rec),
			coupon.Instrument(coupon.Synchronous(coupon.StrategyDistributed, distributed), rec),
			coupon.Instrument(queued, rec),
		},
		DefaultStrategy: defaultStrategy,
		Ping:            store.Ping,
		Log:             log,
	})

	// Background work
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(bgCtx) }()

	scheduler := api.NewBalanceSyncScheduler(pointService, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.HTTP.CORSOrigins, Metrics: rec.Handler(), Log: log}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.HTTP.Port,
			"strategy": defaultStrategy,
			"database": cfg.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case err := <-consumerDone:
		log.WithError(err).Error("issue consumer stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	stopBackground()
	log.Info("server stopped")
	return nil
}

func newBroker(cfg config.QueueConfig, rdb redis.UniversalClient, locker *lock.Redis, log logrus.FieldLogger) queue.Broker {
	if cfg.Broker == "memory" {
		return queue.NewMemoryBroker(cfg.Partitions, cfg.Buffer).WithLogger(log)
	}
	host, _ := os.Hostname()
	return queue.NewRedisBroker(rdb, cfg.Partitions,
		queue.WithStreamPrefix(cfg.StreamPrefix),
		queue.WithGroup(cfg.Group),
		queue.WithConsumerName(fmt.Sprintf("%s-%d", host, os.Getpid())),
		queue.WithBlock(cfg.Block, 0),
		queue.WithOwnership(locker, cfg.OwnerLease),
		queue.WithBrokerLogger(log),
	)
}

func seedPolicies(ctx context.Context, path string, policies *coupon.PolicyService, log logrus.FieldLogger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy seed file: %w", err)
	}
	seeds, err := factory.NewPolicyFactory().ParsePolicies(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	_, err = factory.Seed(ctx, policies, seeds, log.WithField("seed_file", path))
	return err
}
