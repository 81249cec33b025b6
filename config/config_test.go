package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"STORAGE_CONNECTION_STRING", "DB_DSN", "STORAGE_BACKEND", "PORT", "DEDUPER_TTL", "AUTH0_DOMAIN", "AUTH0_AUDIENCE"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Server.Addr != ":8080" || cfg.Redis.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Server, cfg.Redis)
	}
}

func TestLoadPicksBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("STORAGE_CONNECTION_STRING", "UseDevelopmentStorage=true")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendTables {
		t.Fatalf("expected tables backend, got %q", cfg.Storage.Backend)
	}

	t.Setenv("DB_DSN", "postgres://localhost/board")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Fatalf("expected postgres backend, got %q", cfg.Storage.Backend)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "DEDUPER_TTL", val: "soon"},
		{name: "non-positive ttl", key: "DEDUPER_TTL", val: "0s"},
		{name: "unknown backend", key: "STORAGE_BACKEND", val: "floppy"},
		{name: "half auth config", key: "AUTH0_DOMAIN", val: "tenant.auth0.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORAGE_BACKEND", "")
			t.Setenv("STORAGE_CONNECTION_STRING", "")
			t.Setenv("DB_DSN", "")
			t.Setenv("AUTH0_AUDIENCE", "")
			t.Setenv("AUTH0_TEST_MODE", "")
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = RedisOptions("cache.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("parse azure string: %v", err)
	}
	if opts.Addr != "cache.redis.cache.windows.net:6380" || opts.Password != "abc=" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
