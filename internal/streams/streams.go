// Package streams is the durable messaging layer of the pipeline.
//
// It wraps Redis Streams with consumer-group semantics: every pipeline hop
// is an append-only stream, every worker reads through a named group with
// per-message acknowledgement, and unacknowledged messages are redelivered.
// Payloads on the wire stay flat string-keyed maps (broker-native); this
// package provides the typed message structs and their codecs so workers
// never touch raw field maps.
package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Canonical stream names. Field layouts are defined in messages.go.
const (
	StreamJobControl   = "emails:job"
	StreamIntent       = "emails:intent"
	StreamIntentDone   = "emails:intent:done"
	StreamAnalysis     = "emails:analysis"
	StreamAnalysisDone = "emails:analysis:done"
	StreamFinalReport  = "job:completed"
)

// Consumer group names, one per worker role.
const (
	GroupIntentWorkers     = "intent_workers"
	GroupAnalysisWorkers   = "analysis_workers"
	GroupAggregatorWorkers = "aggregator_workers"
	GroupActionWorkers     = "action_workers"
)

// NewClient connects to the broker at the given redis:// URL and verifies
// the connection. The returned client is the process-wide broker handle;
// it is constructed once at startup and passed by reference to workers.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

// Publish appends a typed message to its stream.
func Publish(ctx context.Context, client *redis.Client, msg Message) error {
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Stream(),
		Values: msg.Values(),
	}).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", msg.Stream(), err)
	}
	return nil
}
