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

	"github.com/mailshield/threat-pipeline/internal/api"
	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/intent"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

func main() {
	log.Println("Starting intent worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetService("intent-worker")

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

	worker := intent.NewWorker(broker, store.NewEmailEventStore(db), intent.NewKeywordClassifier())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Worker failed: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter("intent-worker"),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	log.Println("Intent worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down intent worker...")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)

	time.Sleep(time.Second)
	log.Println("Intent worker stopped")
}
