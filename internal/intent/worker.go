package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

// Worker consumes intent requests, classifies them and publishes the
// result to the aggregator.
type Worker struct {
	broker     *redis.Client
	events     *store.EmailEventStore
	classifier Classifier
	consumer   *streams.Consumer
}

// NewWorker wires an intent worker to its broker, store and classifier.
func NewWorker(broker *redis.Client, events *store.EmailEventStore, classifier Classifier) *Worker {
	return &Worker{
		broker:     broker,
		events:     events,
		classifier: classifier,
		consumer: streams.NewConsumer(broker, streams.GroupIntentWorkers,
			"intent-worker", streams.StreamIntent),
	}
}

// Run consumes until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

// handle processes one intent request. Malformed payloads and rows that no
// longer exist are dropped (acked); transient failures are returned so the
// broker redelivers.
func (w *Worker) handle(ctx context.Context, _ string, msg redis.XMessage) error {
	req, err := streams.ParseIntentRequest(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed intent request", "id", msg.ID, "error", err)
		return nil
	}

	jobID, err := uuid.Parse(req.EmailID)
	if err != nil {
		logger.Warn("dropping intent request with invalid job id", "job_id", req.EmailID)
		return nil
	}

	result, err := w.classifier.Classify(ctx, req.Subject, req.Body)
	if err != nil {
		// Classification is retryable; flag the row so operators can see
		// the job is stuck, but leave the message pending.
		if ferr := w.events.MarkFailed(ctx, jobID); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			logger.Error("mark failed", "job_id", req.EmailID, "error", ferr)
		}
		return fmt.Errorf("classify %s: %w", req.EmailID, err)
	}

	riskScore := domain.RiskScore(result.Intent, result.Confidence)
	tier := domain.TierForScore(riskScore)

	wctx, cancel := store.WithWriteTimeout(ctx)
	err = w.events.SetIntentResult(wctx, jobID, string(result.Intent),
		result.Confidence, result.Indicators, riskScore, tier)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("intent result for unknown job", "job_id", req.EmailID)
			return nil
		}
		return fmt.Errorf("persist intent result: %w", err)
	}

	done := streams.IntentDone{
		JobID:            req.EmailID,
		Intent:           string(result.Intent),
		RiskScore:        riskScore,
		RiskTier:         string(tier),
		IntentConfidence: result.Confidence,
		IntentIndicators: result.Indicators,
	}
	if err := streams.Publish(ctx, w.broker, done); err != nil {
		return fmt.Errorf("publish intent done: %w", err)
	}

	logger.Info("intent classified",
		"job_id", req.EmailID,
		"intent", string(result.Intent),
		"risk_score", riskScore,
		"risk_tier", string(tier))
	return nil
}
