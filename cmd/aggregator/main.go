package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailshield/threat-pipeline/internal/aggregator"
	"github.com/mailshield/threat-pipeline/internal/api"
	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/pkg/distlock"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

func main() {
	log.Println("Starting aggregator...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetService("aggregator")

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	broker, err := streams.NewClient(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer broker.Close()

	state := aggregator.NewStateStore(broker, cfg.Pipeline.StateTTL())
	agg := aggregator.New(broker, store.NewEmailEventStore(db), state)

	lock := distlock.NewLock(broker, db, "aggregator:reaper", cfg.Pipeline.ReaperInterval())
	reaper := aggregator.NewReaper(state, lock, cfg.Pipeline.ReaperInterval(), cfg.Pipeline.StateTTL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := agg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Aggregator failed: %v", err)
		}
	}()
	go reaper.Run(ctx)
	log.Printf("Reaper running (interval %s, state TTL %s)",
		cfg.Pipeline.ReaperInterval(), cfg.Pipeline.StateTTL())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter("aggregator"),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	log.Println("Aggregator running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down aggregator...")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)

	time.Sleep(time.Second)
	log.Println("Aggregator stopped")
}
