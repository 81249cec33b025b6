package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	log "github.com/sirupsen/logrus"

	"prism-board/config"
	"prism-board/realtime"
	"prism-board/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()
	log.WithField("backend", cfg.Storage.Backend).Info("storage init starting")

	ctx := context.Background()

	switch cfg.Storage.Backend {
	case config.BackendTables:
		if err := storage.EnsureTables(ctx, cfg.Storage.ConnectionString, storage.TableNames{
			Projects: cfg.Storage.ProjectsTable,
			Tasks:    cfg.Storage.TasksTable,
			Members:  cfg.Storage.MembersTable,
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
	case config.BackendPostgres:
		db, err := storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("create schema: %v", err)
		}
	default:
		log.Info("nothing to provision for in-memory storage")
	}

	if cfg.Storage.ConnectionString != "" {
		if err := createQueues(ctx, cfg.Storage.ConnectionString, []string{cfg.Storage.EventsQueue}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	log.Info("storage init complete")
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := realtime.NewQueueClient(connStr, name)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}
