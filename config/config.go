// Package config reads the environment shared by the board binaries.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendTables   = "tables"
	BackendPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Sync    SyncConfig
	App     AppConfig
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

type StorageConfig struct {
	Backend          string
	ConnectionString string
	ProjectsTable    string
	TasksTable       string
	MembersTable     string
	EventsQueue      string
	PostgresDSN      string
}

type RedisConfig struct {
	ConnectionString string
	CacheTTL         time.Duration
	DeduperTTL       time.Duration
}

type AuthConfig struct {
	Domain   string
	Audience string
	TestMode bool
}

// SyncConfig configures a board client session.
type SyncConfig struct {
	APIURL         string
	ProjectID      string
	Token          string
	Strict         bool
	ResyncInterval time.Duration
}

type AppConfig struct {
	Debug    bool
	LogLevel string
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using environment variables")
	}

	var errs []string
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvAsDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	backend := BackendMemory
	switch {
	case os.Getenv("DB_DSN") != "":
		backend = BackendPostgres
	case connStr != "":
		backend = BackendTables
	}

	addr := ":" + getEnv("PORT", "8080")
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		addr = ":" + port
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:           addr,
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
			RateLimit:      getEnvAsFloat("RATE_LIMIT", 20),
			RateBurst:      getEnvAsInt("RATE_BURST", 40),
		},
		Storage: StorageConfig{
			Backend:          strings.ToLower(getEnv("STORAGE_BACKEND", backend)),
			ConnectionString: connStr,
			ProjectsTable:    getEnv("PROJECTS_TABLE", "Projects"),
			TasksTable:       getEnv("TASKS_TABLE", "Tasks"),
			MembersTable:     getEnv("MEMBERS_TABLE", "Members"),
			EventsQueue:      os.Getenv("CHANGE_EVENTS_QUEUE"),
			PostgresDSN:      os.Getenv("DB_DSN"),
		},
		Redis: RedisConfig{
			ConnectionString: os.Getenv("REDIS_CONNECTION_STRING"),
			CacheTTL:         duration("BOARD_CACHE_TTL", 30*time.Second),
			DeduperTTL:       duration("DEDUPER_TTL", 24*time.Hour),
		},
		Auth: AuthConfig{
			Domain:   os.Getenv("AUTH0_DOMAIN"),
			Audience: os.Getenv("AUTH0_AUDIENCE"),
			TestMode: os.Getenv("AUTH0_TEST_MODE") == "1",
		},
		Sync: SyncConfig{
			APIURL:         strings.TrimRight(getEnv("BOARD_API_URL", "http://localhost:8080"), "/"),
			ProjectID:      os.Getenv("BOARD_PROJECT_ID"),
			Token:          os.Getenv("BOARD_TOKEN"),
			Strict:         getEnvAsBool("STRICT", false),
			ResyncInterval: duration("RESYNC_INTERVAL", time.Second),
		},
		App: AppConfig{
			Debug:    getEnvAsBool("DEBUG", false),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every binary relies on.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendTables:
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("STORAGE_CONNECTION_STRING is required for the tables backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("DB_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_BURST must not be negative")
	}
	if c.Redis.DeduperTTL <= 0 {
		return fmt.Errorf("invalid DEDUPER_TTL: must be greater than zero")
	}
	if !c.Auth.TestMode && (c.Auth.Domain == "") != (c.Auth.Audience == "") {
		return fmt.Errorf("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return nil
}

// ConfigureLogging applies DEBUG and LOG_LEVEL to the standard logger.
func (c *Config) ConfigureLogging() {
	if c.App.Debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	if lvl, err := log.ParseLevel(c.App.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
}

// RedisOptions parses a Redis URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" || !strings.Contains(parts[0], ":") {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warnf("invalid integer for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Warnf("invalid number for %s, using default: %v", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
