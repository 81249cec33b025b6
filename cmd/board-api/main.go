package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/realtime"
	"prism-board/service"
	"prism-board/storage"
)

type discard struct{}

func (discard) Publish(context.Context, domain.ChangeEvent) error { return nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeBackend()

	var (
		rc     *redis.Client
		repo   service.Repository = backend
		pub    service.Publisher  = discard{}
		dedup  api.Deduper
		stream realtime.Source
	)
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			log.Fatal(err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
		if cfg.Redis.CacheTTL > 0 {
			repo = storage.NewCache(backend, rc, cfg.Redis.CacheTTL)
		}
		pub = realtime.NewRedisPublisher(rc)
		dedup = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
		stream = realtime.NewRedisSource(rc, nil)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set: change stream, cache and idempotency keys are disabled")
	}
	if cfg.Storage.EventsQueue != "" && cfg.Storage.ConnectionString != "" {
		q, err := realtime.NewQueueClient(cfg.Storage.ConnectionString, cfg.Storage.EventsQueue)
		if err != nil {
			log.Fatalf("queue: %v", err)
		}
		pub = realtime.NewQueuePublisher(q)
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatal(err)
	}

	logger := log.StandardLogger()
	svc := service.NewBoards(repo, pub, log.NewEntry(logger))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(api.GzipRequestMiddleware())
	e.Use(api.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	api.Register(e, svc, auth, dedup, stream, logger)

	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	log.WithFields(log.Fields{"addr": cfg.Server.Addr, "backend": cfg.Storage.Backend}).Info("board api listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendTables:
		t, err := storage.NewTables(cfg.Storage.ConnectionString, storage.TableNames{
			Projects: cfg.Storage.ProjectsTable,
			Tasks:    cfg.Storage.TasksTable,
			Members:  cfg.Storage.MembersTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	case config.BackendPostgres:
		p, err := storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	}
	log.Warn("using in-memory storage")
	return storage.NewMemory(), func() {}, nil
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	if cfg.TestMode {
		return api.NewAuth(nil, "", ""), nil
	}
	if cfg.Domain == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain), keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/"), nil
}
