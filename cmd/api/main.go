package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/azizikri/token-faucet/db"
	"github.com/azizikri/token-faucet/internal/auth"
	"github.com/azizikri/token-faucet/internal/config"
	httphandler "github.com/azizikri/token-faucet/internal/delivery/http"
	"github.com/azizikri/token-faucet/internal/delivery/kafka"
	"github.com/azizikri/token-faucet/internal/ledger"
	"github.com/azizikri/token-faucet/internal/logger"
	"github.com/azizikri/token-faucet/internal/repository"
	"github.com/azizikri/token-faucet/internal/usecase"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the faucet HTTP API (and Kafka consumer when enabled)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:          "faucet",
		Short:        "Quota-limited token faucet",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.AddCommand(serve, newMigrateCmd(), newTokenCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres claim store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			pool, err := initDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrations := os.DirFS(dir)
			if dir == "" {
				migrations = db.Migrations
			}
			return repository.RunMigrations(cmd.Context(), pool, migrations, log)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory containing migrations/*.up.sql (defaults to the embedded set)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an identity, signed with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			tokens, err := auth.NewTokenManager(cfg.AuthJWTSecret, cfg.AuthTokenExpiry)
			if err != nil {
				return err
			}
			token, err := tokens.GenerateToken(identity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "identity the token is issued for")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func setup() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}
	log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runServe(parent context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	tokens, err := auth.NewTokenManager(cfg.AuthJWTSecret, cfg.AuthTokenExpiry)
	if err != nil {
		return errors.Wrap(err, "create token manager")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := initStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("failed to close store", "error", err)
		}
	}()

	if cfg.FaucetStartPaused {
		if err := store.SetPaused(ctx, true); err != nil {
			return errors.Wrap(err, "apply FAUCET_START_PAUSED")
		}
	}

	var producer *kgo.Client
	if cfg.LedgerType == "kafka" || cfg.EventDrivenEnabled {
		producer, err = kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers()...),
			kgo.ClientID(cfg.KafkaClientID),
			kgo.RecordDeliveryTimeout(cfg.LedgerTimeout),
		)
		if err != nil {
			return errors.Wrap(err, "create kafka producer")
		}
		defer producer.Close()
	}

	faucetLedger, err := initLedger(cfg, producer, log)
	if err != nil {
		return err
	}

	service, err := usecase.NewFaucetService(store, faucetLedger, cfg.Settings(),
		usecase.WithAuthorizer(usecase.NewAdminPolicy(cfg.Admins()...)),
		usecase.WithLedgerTimeout(cfg.LedgerTimeout),
		usecase.WithLogger(log),
	)
	if err != nil {
		return errors.Wrap(err, "create faucet service")
	}

	clock := usecase.SystemClock{}
	direct := kafka.NewDirectGateway(service, clock)
	gateway := direct

	var consumerClient, replyClient *kgo.Client
	if cfg.EventDrivenEnabled {
		var extraTopics []string
		if cfg.LedgerType == "kafka" {
			extraTopics = append(extraTopics, cfg.LedgerTopic)
		}
		if err := kafka.EnsureTopics(ctx, producer, cfg, log, extraTopics...); err != nil {
			log.Warnw("failed to ensure topics", "error", err)
		}

		consumerClient, err = kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers()...),
			kgo.ClientID(cfg.KafkaClientID+"-consumer"),
			kgo.ConsumerGroup(cfg.KafkaGroupID),
			kgo.ConsumeTopics(kafka.RequestTopics()...),
			kgo.DisableAutoCommit(),
		)
		if err != nil {
			return errors.Wrap(err, "create kafka consumer")
		}
		consumer := kafka.NewConsumer(consumerClient, direct, log)
		go consumer.Start(ctx)

		replyClient, err = kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers()...),
			kgo.ClientID(cfg.KafkaClientID+"-reply"),
			kgo.ConsumeTopics(kafka.ReplyTopic(cfg.KafkaInstanceID)),
		)
		if err != nil {
			return errors.Wrap(err, "create kafka reply client")
		}

		kgateway := kafka.NewGateway(producer, cfg.KafkaInstanceID, log)
		kgateway.StartReplyPoller(ctx, replyClient)
		gateway = kgateway
	}

	opts := []httphandler.HandlerOption{
		httphandler.WithClock(clock),
		httphandler.WithLogger(log),
	}
	if balances, ok := faucetLedger.(usecase.BalanceReader); ok {
		opts = append(opts, httphandler.WithBalances(balances))
	}
	if cfg.RateLimitEnabled {
		opts = append(opts, httphandler.WithThrottle(httphandler.NewThrottle(cfg.RateLimitPeriod, cfg.RateLimitBurst)))
	}
	handler := httphandler.NewHandler(gateway, tokens, opts...)

	r := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	handler.Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infow("starting server", "port", cfg.AppPort, "storage", cfg.StorageType, "ledger", cfg.LedgerType)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown error", "error", err)
	}

	if consumerClient != nil {
		consumerClient.Close()
	}
	if replyClient != nil {
		replyClient.Close()
	}

	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

func initStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (repository.Store, error) {
	switch cfg.StorageType {
	case "postgres":
		pool, err := initDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.RunMigrations(ctx, pool, db.Migrations, log); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return repository.New(pool, log), nil
	case "redis":
		return repository.NewRedisStore(repository.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			LockTTL:  cfg.RedisLockTTL,
			LockWait: cfg.RedisLockWait,
		}, log)
	case "memory":
		log.Warn("using in-memory store; claim records are lost on restart")
		return repository.NewMemoryStore(), nil
	default:
		return nil, errors.Newf("unsupported storage type: %s", cfg.StorageType)
	}
}

func initLedger(cfg *config.Config, producer *kgo.Client, log *zap.SugaredLogger) (usecase.Ledger, error) {
	switch cfg.LedgerType {
	case "kafka":
		return ledger.NewKafkaLedger(producer, cfg.LedgerTopic, log), nil
	case "memory":
		return ledger.NewMemoryLedger(cfg.LedgerSupply), nil
	default:
		return nil, errors.Newf("unsupported ledger type: %s", cfg.LedgerType)
	}
}

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	return pool, nil
}
