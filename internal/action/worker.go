package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/mailbox"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

// Outcome is the coarse classification the worker applies to the mailbox.
type Outcome string

const (
	OutcomeMalicious Outcome = "MALICIOUS"
	OutcomeCautious  Outcome = "CAUTIOUS"
	OutcomeSafe      Outcome = "SAFE"
)

// Worker consumes final reports and applies mailbox labels. A semaphore
// bounds concurrent provider calls; an idempotency set absorbs redelivered
// reports.
type Worker struct {
	broker   *redis.Client
	events   *store.EmailEventStore
	provider mailbox.Provider
	cfg      config.ActionConfig
	seen     Idempotency
	sem      *semaphore.Weighted
	consumer *streams.Consumer

	labelMu  sync.RWMutex
	labelIDs map[Outcome]string

	processed  atomic.Int64
	duplicates atomic.Int64
	counts     sync.Map // Outcome -> *atomic.Int64
}

// NewWorker wires an action worker to its broker, store and provider.
func NewWorker(broker *redis.Client, events *store.EmailEventStore, provider mailbox.Provider, cfg config.ActionConfig, maxConcurrent int) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Worker{
		broker:   broker,
		events:   events,
		provider: provider,
		cfg:      cfg,
		seen:     NewMemorySet(0),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		consumer: streams.NewConsumer(broker, streams.GroupActionWorkers,
			"action-worker", streams.StreamFinalReport),
		labelIDs: make(map[Outcome]string),
	}
}

// SetIdempotency swaps the default in-process dedup set for another
// implementation (the Redis-backed set when workers are scaled out).
func (w *Worker) SetIdempotency(set Idempotency) { w.seen = set }

// EnsureLabels creates the three verdict labels up front so the hot path
// never has to.
func (w *Worker) EnsureLabels(ctx context.Context) error {
	for _, outcome := range []Outcome{OutcomeMalicious, OutcomeCautious, OutcomeSafe} {
		name := fmt.Sprintf("%s/%s", w.cfg.LabelPrefix, outcome)
		id, err := w.provider.EnsureLabel(ctx, name)
		if err != nil {
			return fmt.Errorf("ensure label %s: %w", name, err)
		}
		w.labelMu.Lock()
		w.labelIDs[outcome] = id
		w.labelMu.Unlock()
	}
	return nil
}

// Run consumes until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, _ string, msg redis.XMessage) error {
	report, err := streams.ParseFinalReport(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed final report", "id", msg.ID, "error", err)
		return nil
	}

	if w.seen.Seen(report.JobID) {
		w.duplicates.Add(1)
		logger.Debug("skipping duplicate final report", "job_id", report.JobID)
		return nil
	}

	outcome := Classify(report.SandboxData())

	if err := w.applyOutcome(ctx, report, outcome); err != nil {
		return fmt.Errorf("apply outcome for %s: %w", report.JobID, err)
	}

	w.processed.Add(1)
	w.countFor(outcome).Add(1)
	logger.Info("mailbox action applied",
		"job_id", report.JobID,
		"outcome", string(outcome),
		"quarantined", outcome == OutcomeMalicious && w.cfg.MoveMaliciousToQuarantine)
	return nil
}

// Classify derives the mailbox outcome from the dynamic analysis result.
// A missing result means the risk gate never required sandboxing, which is
// treated as clean. An inconclusive one is promoted to suspicious rather
// than clean.
func Classify(sandbox *streams.AnalysisDone) Outcome {
	verdict := domain.VerdictClean
	if sandbox != nil {
		verdict = sandbox.Verdict
		if verdict == domain.VerdictUnknown {
			verdict = domain.VerdictSuspicious
		}
	}

	switch verdict {
	case domain.VerdictMalicious:
		return OutcomeMalicious
	case domain.VerdictSuspicious:
		return OutcomeCautious
	default:
		return OutcomeSafe
	}
}

func (w *Worker) applyOutcome(ctx context.Context, report streams.FinalReport, outcome Outcome) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	change := mailbox.LabelChange{AddLabelIDs: []string{w.labelID(outcome)}}
	quarantine := outcome == OutcomeMalicious && w.cfg.MoveMaliciousToQuarantine
	if quarantine {
		change.AddLabelIDs = append(change.AddLabelIDs, "SPAM")
		change.RemoveLabelIDs = append(change.RemoveLabelIDs, "INBOX")
	}

	if err := w.provider.ModifyLabels(ctx, report.MessageID, change); err != nil {
		return err
	}

	if quarantine {
		jobID, err := uuid.Parse(report.JobID)
		if err != nil {
			return nil
		}
		wctx, cancel := store.WithWriteTimeout(ctx)
		defer cancel()
		if err := w.events.MarkCompleted(wctx, jobID, domain.StatusSpam); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// labelID resolves the provider id for an outcome, falling back to the
// label name if EnsureLabels hasn't been run (providers accept either).
func (w *Worker) labelID(outcome Outcome) string {
	w.labelMu.RLock()
	defer w.labelMu.RUnlock()
	if id, ok := w.labelIDs[outcome]; ok && id != "" {
		return id
	}
	return fmt.Sprintf("%s/%s", w.cfg.LabelPrefix, outcome)
}

func (w *Worker) countFor(outcome Outcome) *atomic.Int64 {
	v, _ := w.counts.LoadOrStore(outcome, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// Stats reports the worker's counters for the /stats endpoint.
func (w *Worker) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"processed":  w.processed.Load(),
		"duplicates": w.duplicates.Load(),
	}
	w.counts.Range(func(k, v interface{}) bool {
		out[string(k.(Outcome))] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
