package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailshield/threat-pipeline/internal/api"
	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/ingest"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

func main() {
	log.Println("Starting ingest service...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetService("ingest")

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	broker, err := streams.NewClient(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer broker.Close()
	log.Println("Connected to broker")

	producer := ingest.NewProducer(
		store.NewEmailEventStore(db),
		store.NewUserStore(db),
		broker,
	)

	router := api.NewRouter("ingest")
	api.MountIngest(router, producer)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("Ingest listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down ingest...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Ingest stopped")
}
