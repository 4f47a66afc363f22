package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

// Aggregator consumes the control stream and both done streams, joining
// them into one final report per job. Messages arrive in any order and any
// multiplicity; the state store absorbs both.
type Aggregator struct {
	broker   *redis.Client
	events   *store.EmailEventStore
	state    *StateStore
	consumer *streams.Consumer
}

// New wires an aggregator to its broker, store and state.
func New(broker *redis.Client, events *store.EmailEventStore, state *StateStore) *Aggregator {
	return &Aggregator{
		broker: broker,
		events: events,
		state:  state,
		consumer: streams.NewConsumer(broker, streams.GroupAggregatorWorkers,
			"aggregator", streams.StreamJobControl, streams.StreamIntentDone, streams.StreamAnalysisDone),
	}
}

// Run consumes until the context is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	return a.consumer.Run(ctx, a.handle)
}

func (a *Aggregator) handle(ctx context.Context, stream string, msg redis.XMessage) error {
	switch stream {
	case streams.StreamJobControl:
		return a.handleControl(ctx, msg)
	case streams.StreamIntentDone:
		return a.handleIntentDone(ctx, msg)
	case streams.StreamAnalysisDone:
		return a.handleAnalysisDone(ctx, msg)
	default:
		logger.Warn("message on unexpected stream", "stream", stream, "id", msg.ID)
		return nil
	}
}

func (a *Aggregator) handleControl(ctx context.Context, msg redis.XMessage) error {
	control, err := streams.ParseControl(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed control message", "id", msg.ID, "error", err)
		return nil
	}

	st, err := a.state.ApplyControl(ctx, control.JobID, control.RequiresB, control.CreatedAt)
	if err != nil {
		return err
	}
	logger.Debug("job opened", "job_id", control.JobID, "requires_sandbox", control.RequiresB)
	return a.maybeFinalize(ctx, st)
}

func (a *Aggregator) handleIntentDone(ctx context.Context, msg redis.XMessage) error {
	done, err := streams.ParseIntentDone(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed intent done", "id", msg.ID, "error", err)
		return nil
	}

	payload, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("marshal intent payload: %w", err)
	}
	st, err := a.state.ApplyIntentDone(ctx, done.JobID, string(payload))
	if err != nil {
		return err
	}
	return a.maybeFinalize(ctx, st)
}

func (a *Aggregator) handleAnalysisDone(ctx context.Context, msg redis.XMessage) error {
	done, err := streams.ParseAnalysisDone(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed analysis done", "id", msg.ID, "error", err)
		return nil
	}

	payload, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("marshal analysis payload: %w", err)
	}
	st, err := a.state.ApplySandboxDone(ctx, done.JobID, string(payload))
	if err != nil {
		return err
	}
	return a.maybeFinalize(ctx, st)
}

// maybeFinalize closes the job if its completion predicate holds: mark the
// row terminal, publish the unified report, then drop the state. The report
// is only published after the database write so a crash in between leaves
// the job re-finalizable, not half-reported.
func (a *Aggregator) maybeFinalize(ctx context.Context, st JobState) error {
	if !st.Complete() {
		return nil
	}

	jobID, err := uuid.Parse(st.JobID)
	if err != nil {
		logger.Warn("completed state with invalid job id, dropping", "job_id", st.JobID)
		return a.state.Delete(ctx, st.JobID)
	}

	event, err := a.events.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Row vanished under us; keep the state so an operator can
			// inspect it before the TTL reaps it.
			logger.Warn("completed job has no database row", "job_id", st.JobID)
			return nil
		}
		return err
	}

	wctx, cancel := store.WithWriteTimeout(ctx)
	err = a.events.MarkCompleted(wctx, jobID, domain.StatusCompleted)
	cancel()
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", st.JobID, err)
	}

	// The sandbox payload only goes out when the job actually required the
	// track. A stray result on a requiresB=false job (a late control message
	// flipping the synthetic default) stays out of the report.
	sandbox := ""
	if st.RequiresB {
		sandbox = st.SandboxPayload
	}
	report := streams.FinalReport{
		JobID:     st.JobID,
		MessageID: event.MessageID,
		Intent:    st.IntentPayload,
		Sandbox:   sandbox,
	}
	if err := streams.Publish(ctx, a.broker, report); err != nil {
		return fmt.Errorf("publish final report %s: %w", st.JobID, err)
	}

	if err := a.state.Delete(ctx, st.JobID); err != nil {
		return err
	}

	logger.Info("job finalized",
		"job_id", st.JobID,
		"required_sandbox", st.RequiresB,
		"had_sandbox_result", st.SandboxPayload != "")
	return nil
}
