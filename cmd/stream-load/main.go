package main

import (
	"context"
	"flag"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/client"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/realtime"
)

// stream-load holds many change streams open against one project and fails
// when too few events arrive or too many connections fail.
func main() {
	conns := flag.Int("conns", 200, "concurrent streams")
	duration := flag.Duration("duration", 2*time.Minute, "test length")
	collection := flag.String("collection", string(domain.CollectionTasks), "collection to watch")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()
	if cfg.Sync.ProjectID == "" {
		log.Fatal("missing BOARD_PROJECT_ID")
	}

	var events, attempts, failures uint64

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	src := client.NewStreamSource(client.New(cfg.Sync.APIURL, cfg.Sync.ProjectID, cfg.Sync.Token), nil)
	filter := realtime.Filter{ProjectID: cfg.Sync.ProjectID, Collection: domain.Collection(*collection)}

	var wg sync.WaitGroup
	wg.Add(*conns)
	for range *conns {
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				atomic.AddUint64(&attempts, 1)
				sub, err := src.Subscribe(ctx, filter)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					atomic.AddUint64(&failures, 1)
					time.Sleep(backoff)
					backoff = min(backoff*2, 5*time.Second)
					continue
				}
				backoff = time.Second
				for d := range sub.C() {
					if d.Err != nil {
						break
					}
					atomic.AddUint64(&events, 1)
				}
				sub.Unsubscribe()
				if ctx.Err() != nil {
					return
				}
				atomic.AddUint64(&failures, 1)
			}
		}()
	}

	go func() {
		select {
		case <-time.After(time.Minute):
			if atomic.LoadUint64(&events) == 0 {
				log.Error("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failuresVal := atomic.LoadUint64(&failures)
	attemptsVal := atomic.LoadUint64(&attempts)
	eventsVal := atomic.LoadUint64(&events)
	failureRate := 0.0
	if attemptsVal > 0 {
		failureRate = float64(failuresVal) / float64(attemptsVal)
	}
	log.WithFields(log.Fields{
		"connections":         *conns,
		"duration_sec":        int(duration.Seconds()),
		"events_received":     eventsVal,
		"connection_failures": failuresVal,
	}).Info("stream load finished")
	if eventsVal == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}
