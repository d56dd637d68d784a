package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-presence/internal/config"
	"github.com/example/pickup-presence/internal/events"
	"github.com/example/pickup-presence/internal/logging"
	"github.com/example/pickup-presence/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total presence lifecycle messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	auditWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_audit_writes_total",
		Help: "Total audit log appends by event kind",
	}, []string{"kind"})
	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_errors_total",
		Help: "Total audit log appends that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, auditWrites, auditErrors)
}

func main() {
	var migrationsDir string
	flag.StringVar(&migrationsDir, "migrations", "migrations", "directory holding *.sql migrations")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit, err := storage.NewPostgresAuditLog(cfg.PGDSN)
	if err != nil {
		logger.Error("audit log unavailable", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, audit.DB(), migrationsDir)
		if err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "files", applied)
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := audit.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, audit, cfg.RetryAttempts, cfg.RetryDelay, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is the part of kafka.Reader the consume loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type eventLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func consume(ctx context.Context, r MessageReader, audit storage.AuditLog, attempts int, delay time.Duration, log eventLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("kafka read error, backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := appendWithRetry(ctx, audit, ev, attempts, delay); err != nil {
			auditErrors.Inc()
			log.Error("audit append failed", "event_id", ev.ID, "passenger_id", ev.PassengerID, "error", err)
			continue
		}
		auditWrites.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func decodeEvent(b []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.ID == "" || ev.PassengerID == "" || ev.Kind == "" {
		return ev, errors.New("event missing id, kind or passenger_id")
	}
	return ev, nil
}

// appendWithRetry writes ev to the audit log, doubling delay between
// attempts.
func appendWithRetry(ctx context.Context, audit storage.AuditLog, ev events.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = audit.Append(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
