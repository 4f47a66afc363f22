package streams

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

const (
	defaultBlock = 5 * time.Second
	defaultCount = 10
)

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it pending so the broker redelivers it.
// Handlers that want to drop a poison message log it and return nil.
type Handler func(ctx context.Context, stream string, msg redis.XMessage) error

// Consumer is a consumer-group reader over one or more streams. A single
// Consumer is owned by one goroutine; scale out by running more processes
// (or more Consumers with distinct names) against the same group.
type Consumer struct {
	client  *redis.Client
	group   string
	name    string
	streams []string
	block   time.Duration
	count   int64
}

// NewConsumer creates a consumer with a unique name derived from the given
// prefix, reading the listed streams through the named group.
func NewConsumer(client *redis.Client, group, namePrefix string, streamNames ...string) *Consumer {
	return &Consumer{
		client:  client,
		group:   group,
		name:    fmt.Sprintf("%s-%04d", namePrefix, rand.Intn(9000)+1000),
		streams: streamNames,
		block:   defaultBlock,
		count:   defaultCount,
	}
}

// Name returns the unique consumer name picked at construction.
func (c *Consumer) Name() string { return c.name }

// EnsureGroups creates the consumer group on every stream, creating the
// streams themselves if they don't exist yet. An already-existing group
// (BUSYGROUP) is not an error.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

// Read performs one blocking group read across all streams. Returns nil
// (no error) when the block timeout elapses with nothing to deliver.
func (c *Consumer) Read(ctx context.Context) ([]redis.XStream, error) {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  args,
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// Ack acknowledges a message on its stream.
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.XAck(ctx, stream, c.group, id).Err()
}

// Run consumes until the context is canceled, invoking the handler for each
// delivered message and acknowledging on success. Handler errors are logged
// and the message is left pending for redelivery.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	logger.Info("consumer started", "consumer", c.name, "group", c.group, "streams", strings.Join(c.streams, ","))

	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopped", "consumer", c.name)
			return ctx.Err()
		default:
		}

		batches, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopped", "consumer", c.name)
				return ctx.Err()
			}
			logger.Error("stream read failed", "consumer", c.name, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, batch := range batches {
			for _, msg := range batch.Messages {
				if err := handle(ctx, batch.Stream, msg); err != nil {
					logger.Error("message handling failed",
						"stream", batch.Stream, "id", msg.ID, "error", err)
					continue // no ack, broker redelivers
				}
				if err := c.Ack(ctx, batch.Stream, msg.ID); err != nil {
					logger.Error("ack failed", "stream", batch.Stream, "id", msg.ID, "error", err)
				}
			}
		}
	}
}
