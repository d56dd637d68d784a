package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseDuration != 15*time.Minute || cfg.ClaimFloor != 30*time.Minute {
		t.Fatalf("unexpected durations: base=%s floor=%s", cfg.BaseDuration, cfg.ClaimFloor)
	}
	if cfg.ExtensionStep != 10*time.Minute || cfg.MaxExtensions != 3 {
		t.Fatalf("unexpected extension policy: step=%s max=%d", cfg.ExtensionStep, cfg.MaxExtensions)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RedisKeyPrefix != "presence:" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PRESENCE_BASE_DURATION", "20m")
	t.Setenv("PRESENCE_CLAIM_FLOOR", "40m")
	t.Setenv("PRESENCE_MAX_EXTENSIONS", "0")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.HTTPAddr)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.BaseDuration != 20*time.Minute || cfg.ClaimFloor != 40*time.Minute || cfg.MaxExtensions != 0 {
		t.Fatalf("unexpected policy: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lower-cased level, got %s", cfg.LogLevel)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("PRESENCE_BASE_DURATION", "45m")
	t.Setenv("PRESENCE_MAX_EXTENSIONS", "-1")
	t.Setenv("PRESENCE_SWEEP_INTERVAL", "0s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"HTTP_READ_TIMEOUT", "PRESENCE_CLAIM_FLOOR", "PRESENCE_MAX_EXTENSIONS", "PRESENCE_SWEEP_INTERVAL"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %s, got %q", want, msg)
		}
	}
}

func TestLoadConsumerConfigRequiresDSN(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PG_DSN", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error without PG_DSN")
	}

	t.Setenv("PG_DSN", "postgres://localhost/presence")
	t.Setenv("KAFKA_GROUP", "audit-2")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KafkaGroup != "audit-2" || cfg.KafkaTopic != "presence-events" {
		t.Fatalf("unexpected consumer config: %+v", cfg)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
