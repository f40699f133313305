package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/storeflow/storeflow/pkg/config"
)

func TestNewUniversal(t *testing.T) {
	if _, err := NewClient(context.Background(), &config.RedisConfig{}); err == nil {
		t.Fatalf("expected an error without addresses")
	}

	single, err := newUniversal(&config.RedisConfig{Addresses: []string{"cache:6379"}, DB: 2})
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	defer single.Close()
	if _, ok := single.(*redis.Client); !ok {
		t.Fatalf("expected a single-node client, got %T", single)
	}

	cluster, err := newUniversal(&config.RedisConfig{Addresses: []string{"a:6379", "b:6379"}, ClusterMode: true})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	defer cluster.Close()
	if _, ok := cluster.(*redis.ClusterClient); !ok {
		t.Fatalf("expected a cluster client, got %T", cluster)
	}
}
