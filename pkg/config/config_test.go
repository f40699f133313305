package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if yaml != "" {
		if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
			t.Fatalf("read config: %v", err)
		}
	}
	return decode(v)
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFrom(t, "")
	if err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}

	if cfg.Outbox.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.InitialBackoff != 200*time.Millisecond {
		t.Fatalf("expected 200ms initial backoff, got %s", cfg.Outbox.InitialBackoff)
	}
	if cfg.Outbox.MaxBackoff != 2*time.Hour {
		t.Fatalf("expected 2h backoff ceiling, got %s", cfg.Outbox.MaxBackoff)
	}
	if cfg.Bus.Driver != "rabbitmq" {
		t.Fatalf("expected rabbitmq bus, got %q", cfg.Bus.Driver)
	}
	if cfg.RabbitMQ.UserName != "guest" || cfg.RabbitMQ.VHost != "/" {
		t.Fatalf("unexpected rabbitmq defaults: %+v", cfg.RabbitMQ)
	}
}

func TestOverridesFromFile(t *testing.T) {
	cfg, err := loadFrom(t, `
bus:
  driver: kafka
outbox:
  concurrency: 8
  poll_interval: 1s
inbox:
  dedupe: memory
  data_types: [OrderShipped, OrderCancelled]
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Driver != "kafka" {
		t.Fatalf("expected kafka, got %q", cfg.Bus.Driver)
	}
	if cfg.Outbox.Concurrency != 8 || cfg.Outbox.PollInterval != time.Second {
		t.Fatalf("unexpected outbox config: %+v", cfg.Outbox)
	}
	if len(cfg.Inbox.DataTypes) != 2 || cfg.Inbox.DataTypes[1] != "OrderCancelled" {
		t.Fatalf("unexpected data types: %v", cfg.Inbox.DataTypes)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown bus":      "bus:\n  driver: nats\n",
		"zero batch":       "outbox:\n  batch_size: 0\n",
		"ceiling too low":  "outbox:\n  initial_backoff: 1m\n  max_backoff: 1s\n",
		"bad log level":    "logging:\n  level: verbose\n",
		"missing db host":  "database:\n  host: \"\"\n",
		"unknown dedupe":   "inbox:\n  dedupe: memcached\n",
		"redis no address": "redis:\n  addresses: []\n",
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadFrom(t, yaml); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "app", Password: "secret", Database: "shop", SSLMode: "disable"}
	want := "host=db port=5432 user=app password=secret dbname=shop sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
