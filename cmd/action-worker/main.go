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

	"github.com/mailshield/threat-pipeline/internal/action"
	"github.com/mailshield/threat-pipeline/internal/api"
	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/mailbox"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

func main() {
	log.Println("Starting action worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetService("action-worker")

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

	provider := mailbox.NewGmailProvider(cfg.Gmail)
	worker := action.NewWorker(broker, store.NewEmailEventStore(db), provider,
		cfg.Action, cfg.Pipeline.LabelSemaphore)
	worker.SetIdempotency(action.NewRedisSet(broker, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ectx, ecancel := context.WithTimeout(ctx, 30*time.Second)
	if err := worker.EnsureLabels(ectx); err != nil {
		log.Printf("Warning: could not pre-create labels: %v", err)
	}
	ecancel()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Worker failed: %v", err)
		}
	}()

	router := api.NewRouter("action-worker")
	api.MountStats(router, worker)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	log.Println("Action worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down action worker...")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)

	time.Sleep(time.Second)
	log.Println("Action worker stopped")
}
