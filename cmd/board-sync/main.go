package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/client"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/session"
)

// board-sync opens a live board session against the API and logs every
// state change. With -create it also adds a task through the optimistic
// pipeline.
func main() {
	user := flag.String("user", "", "user id of the token holder")
	create := flag.String("create", "", "title of a task to create once the board is loaded")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()
	if cfg.Sync.ProjectID == "" || cfg.Sync.Token == "" || *user == "" {
		log.Fatal("BOARD_PROJECT_ID, BOARD_TOKEN and -user are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg.Sync.APIURL, cfg.Sync.ProjectID, cfg.Sync.Token)
	logger := log.WithField("project", cfg.Sync.ProjectID)
	s := session.Open(ctx, session.Config{
		ProjectID:      cfg.Sync.ProjectID,
		Identity:       board.Identity{UserID: *user},
		Remote:         c,
		Source:         client.NewStreamSource(c, logger),
		Retry:          board.DefaultRetry,
		Strict:         cfg.Sync.Strict,
		ResyncInterval: cfg.Sync.ResyncInterval,
		Logger:         logger,
		Notify: func(n board.Notification) {
			logger.WithFields(log.Fields{
				"kind": n.Kind,
				"id":   n.EntityID,
				"code": n.Code,
			}).Warn(n.Message)
		},
	})
	defer s.Close()

	stopListen := s.Store.Listen(func(snap board.Snapshot) {
		logger.WithFields(log.Fields{
			"version": snap.Version,
			"tasks":   len(snap.Tasks),
			"members": len(snap.Members),
			"pending": snap.Pending,
		}).Info("board changed")
	})
	defer stopListen()

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = s.WaitLoaded(loadCtx)
	cancel()
	if err != nil {
		log.Fatalf("load board: %v", err)
	}

	if *create != "" {
		h, err := s.Pipeline.CreateTask(domain.Task{Title: *create})
		if err != nil {
			log.Fatalf("create task: %v", err)
		}
		res, err := h.Wait(ctx)
		if err != nil {
			log.Fatalf("create task: %v", err)
		}
		logger.WithFields(log.Fields{"seq": res.Seq, "status": res.Status}).Info("task settled")
	}

	<-ctx.Done()
}
