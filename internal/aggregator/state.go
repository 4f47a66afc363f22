// Package aggregator joins the pipeline's fan-out back together. It tracks
// per-job completion state in Redis hashes with a TTL, finalizes jobs when
// every required track has reported, and reaps state that can never
// complete.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "job_state:"

// JobState is the transient completion record for one in-flight job.
type JobState struct {
	JobID           string
	RequiresB       bool
	IntentReceived  bool
	SandboxReceived bool
	IntentPayload   string
	SandboxPayload  string
	CreatedAt       time.Time
}

// Complete reports whether every required track has delivered its result.
func (s JobState) Complete() bool {
	return s.IntentReceived && (!s.RequiresB || s.SandboxReceived)
}

// Age returns how long the state has existed.
func (s JobState) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// StateStore keeps job state in Redis hashes keyed job_state:<job_id>.
// Every write refreshes the TTL so state only expires on true abandonment.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateStore creates a state store with the given abandonment TTL.
func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	return &StateStore{client: client, ttl: ttl}
}

func stateKey(jobID string) string { return stateKeyPrefix + jobID }

// ApplyControl records the job's completion requirement. The control
// message is authoritative for requiresB: it overwrites any synthetic
// default a done-message created while arriving first.
func (s *StateStore) ApplyControl(ctx context.Context, jobID string, requiresB bool, createdAt time.Time) (JobState, error) {
	key := stateKey(jobID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", createdAt.UTC().Format(time.RFC3339))
	pipe.HSet(ctx, key, "requiresB", boolField(requiresB))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobState{}, fmt.Errorf("apply control %s: %w", jobID, err)
	}
	return s.get(ctx, jobID)
}

// ApplyIntentDone records the intent track's result. A job whose control
// message hasn't arrived yet gets a synthetic state assuming no sandbox
// track; the control message corrects that if it shows up later.
func (s *StateStore) ApplyIntentDone(ctx context.Context, jobID, payload string) (JobState, error) {
	return s.applyDone(ctx, jobID, "intent_received", "intent_payload", payload, false)
}

// ApplySandboxDone records the dynamic track's result. Arriving before the
// control message implies the sandbox track was required.
func (s *StateStore) ApplySandboxDone(ctx context.Context, jobID, payload string) (JobState, error) {
	return s.applyDone(ctx, jobID, "sandbox_received", "sandbox_payload", payload, true)
}

func (s *StateStore) applyDone(ctx context.Context, jobID, flagField, payloadField, payload string, syntheticRequiresB bool) (JobState, error) {
	key := stateKey(jobID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", time.Now().UTC().Format(time.RFC3339))
	pipe.HSetNX(ctx, key, "requiresB", boolField(syntheticRequiresB))
	pipe.HSet(ctx, key, flagField, "1", payloadField, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobState{}, fmt.Errorf("apply %s %s: %w", flagField, jobID, err)
	}
	return s.get(ctx, jobID)
}

func (s *StateStore) get(ctx context.Context, jobID string) (JobState, error) {
	values, err := s.client.HGetAll(ctx, stateKey(jobID)).Result()
	if err != nil {
		return JobState{}, fmt.Errorf("get state %s: %w", jobID, err)
	}

	st := JobState{
		JobID:           jobID,
		RequiresB:       values["requiresB"] == "true",
		IntentReceived:  values["intent_received"] == "1",
		SandboxReceived: values["sandbox_received"] == "1",
		IntentPayload:   values["intent_payload"],
		SandboxPayload:  values["sandbox_payload"],
	}
	if ts, err := time.Parse(time.RFC3339, values["created_at"]); err == nil {
		st.CreatedAt = ts
	}
	return st, nil
}

// Delete removes the job's state after finalization.
func (s *StateStore) Delete(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, stateKey(jobID)).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", jobID, err)
	}
	return nil
}

// ListStale returns the states older than maxAge. The reaper uses it to
// clean up jobs whose remaining messages will never arrive.
func (s *StateStore) ListStale(ctx context.Context, maxAge time.Duration) ([]JobState, error) {
	now := time.Now().UTC()
	var stale []JobState

	iter := s.client.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		jobID := iter.Val()[len(stateKeyPrefix):]
		st, err := s.get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !st.CreatedAt.IsZero() && st.Age(now) > maxAge {
			stale = append(stale, st)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan job state: %w", err)
	}
	return stale, nil
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
