package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-presence/internal/arbiter"
	"github.com/example/pickup-presence/internal/config"
	"github.com/example/pickup-presence/internal/events"
	"github.com/example/pickup-presence/internal/expiry"
	"github.com/example/pickup-presence/internal/gateway"
	httpapi "github.com/example/pickup-presence/internal/http"
	"github.com/example/pickup-presence/internal/keylock"
	"github.com/example/pickup-presence/internal/logging"
	"github.com/example/pickup-presence/internal/presence"
	"github.com/example/pickup-presence/internal/storage"
)

func main() {
	var migrationsDir string
	flag.StringVar(&migrationsDir, "migrations", "migrations", "directory holding *.sql migrations")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, migrationsDir, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, migrationsDir string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	policy := presence.Policy{
		BaseDuration:  cfg.BaseDuration,
		ClaimFloor:    cfg.ClaimFloor,
		ExtensionStep: cfg.ExtensionStep,
		MaxExtensions: cfg.MaxExtensions,
	}

	store, closeStore, err := openStore(ctx, cfg, policy, clock, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pub, transport, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	gwCfg := gateway.DefaultConfig()
	gwCfg.WriteTimeout = cfg.WSWriteTimeout
	gwCfg.ReadTimeout = cfg.WSReadTimeout
	gwCfg.PingInterval = cfg.WSPingInterval
	gwCfg.MaxMessageSize = cfg.WSMaxMessageBytes
	gwCfg.ActionTimeout = cfg.WriteTimeout
	hub := gateway.NewHub(gwCfg, nil, nil, store, logger)

	// every notification reaches the hub; lifecycle ones are also published
	tee := events.NewTee(hub, pub, transport, clock, logger, 1024)
	teeCtx, stopTee := context.WithCancel(context.Background())
	tee.Start(teeCtx)

	locks := keylock.New()
	opts := expiry.DefaultOptions()
	opts.RetryAttempts = cfg.StoreRetryAttempts
	opts.RetryDelay = cfg.StoreRetryDelay
	sched := expiry.New(store, tee, locks, clock, logger, opts)

	arb := arbiter.New(store, sched, tee, locks, logger)
	arb.RetryAttempts = cfg.StoreRetryAttempts
	arb.RetryDelay = cfg.StoreRetryDelay

	hub.SetActions(arb)
	hub.SetTimers(sched)

	resumed, err := sched.Resume(ctx)
	if err != nil {
		// passengers re-attach on their next connection or location update
		logger.Error("resume countdowns failed", "error", err)
	} else {
		logger.Info("countdowns resumed", "count", resumed)
	}
	go sched.RunSweeper(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(store, hub, cfg.CORSAllowedOrigins, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pickup-presence listening", "addr", cfg.HTTPAddr, "transport", transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stopTee()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
	sched.Stop()
	stopTee()
	tee.Wait()
	return nil
}

// openStore picks the presence backend: Redis when REDIS_ADDR is set, then
// Postgres when PG_DSN is set, otherwise the in-process store.
func openStore(ctx context.Context, cfg config.ServerConfig, policy presence.Policy, clock clockwork.Clock, migrationsDir string, logger *slog.Logger) (presence.Store, func(), error) {
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
		})
		store := presence.NewRedisStore(client, cfg.RedisKeyPrefix, policy, clock)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("presence store selected", "backend", "redis", "addr", cfg.RedisAddr)
		return store, func() { client.Close() }, nil

	case cfg.PGDSN != "":
		db, err := sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, db, migrationsDir)
			if err != nil {
				db.Close()
				return nil, nil, err
			}
			logger.Info("migrations applied", "files", applied)
		}
		logger.Info("presence store selected", "backend", "postgres")
		return presence.NewPostgresStoreFromDB(db, policy, clock), func() { db.Close() }, nil

	default:
		logger.Warn("presence store selected", "backend", "memory", "note", "records are lost on restart")
		return presence.NewMemoryStore(policy, clock), func() {}, nil
	}
}

func openPublisher(cfg config.ServerConfig, logger *slog.Logger) (events.Publisher, string, error) {
	switch {
	case len(cfg.KafkaBrokers) > 0:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), "kafka", nil
	case cfg.NATSURL != "":
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, "", err
		}
		return p, "nats", nil
	default:
		return events.NopPublisher{}, "none", nil
	}
}
