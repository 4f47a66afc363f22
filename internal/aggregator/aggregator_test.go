package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

func newTestAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	state := NewStateStore(client, 10*time.Minute)
	agg := New(client, store.NewEmailEventStore(db), state)
	return agg, mock, client, mr
}

func expectFinalize(mock sqlmock.Sqlmock, jobID uuid.UUID, messageID string) {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "sender", "recipient", "subject", "message_id",
		"body_preview", "received_at", "spf_status", "dkim_status",
		"dmarc_status", "sender_ip", "status", "intent", "intent_confidence",
		"intent_indicators", "intent_processed_at", "risk_score", "risk_tier",
		"sandboxed", "sandbox_result", "created_at", "updated_at",
	}).AddRow(
		jobID, uuid.New(), "a@example.com", "me@example.com", "s", messageID,
		"b", now, "PASS", "PASS", "PASS", "", "PROCESSING", "newsletter", 0.9,
		pq.StringArray{}, now, 28, "SAFE", false, nil, now, now,
	)
	mock.ExpectQuery("SELECT (?s:.+) FROM email_events WHERE id").
		WithArgs(jobID).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func controlMsg(jobID string, requiresB bool) redis.XMessage {
	return redis.XMessage{ID: "1-0", Values: streams.ControlMessage{
		JobID: jobID, RequiresB: requiresB, CreatedAt: time.Now().UTC(),
	}.Values()}
}

func intentDoneMsg(jobID string) redis.XMessage {
	return redis.XMessage{ID: "2-0", Values: streams.IntentDone{
		JobID: jobID, Intent: "newsletter", RiskScore: 28, RiskTier: "SAFE",
		IntentConfidence: 0.9,
	}.Values()}
}

func analysisDoneMsg(jobID string) redis.XMessage {
	return redis.XMessage{ID: "3-0", Values: streams.AnalysisDone{
		JobID: jobID, Verdict: domain.VerdictMalicious, SandboxScore: 92,
		SandboxResult: domain.SandboxResult{Verdict: domain.VerdictMalicious, Score: 92, Provider: "sandbox"},
	}.Values()}
}

func finalReports(t *testing.T, client *redis.Client) []streams.FinalReport {
	t.Helper()
	msgs, err := client.XRange(context.Background(), streams.StreamFinalReport, "-", "+").Result()
	require.NoError(t, err)
	var out []streams.FinalReport
	for _, m := range msgs {
		r, err := streams.ParseFinalReport(m.Values)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestIntentOnlyJob_FinalizesWithNullSandbox(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, agg.handle(ctx, streams.StreamJobControl, controlMsg(jobID.String(), false)))

	expectFinalize(mock, jobID, "msg-1")
	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))

	reports := finalReports(t, client)
	require.Len(t, reports, 1)
	assert.Equal(t, jobID.String(), reports[0].JobID)
	assert.Equal(t, "msg-1", reports[0].MessageID)
	assert.Nil(t, reports[0].SandboxData())

	// State is gone after finalization.
	n, _ := client.Exists(ctx, stateKey(jobID.String())).Result()
	assert.Zero(t, n)
}

func TestSandboxJob_WaitsForBothTracks(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, agg.handle(ctx, streams.StreamJobControl, controlMsg(jobID.String(), true)))
	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))
	assert.Empty(t, finalReports(t, client), "must not finalize before sandbox result")

	expectFinalize(mock, jobID, "msg-2")
	require.NoError(t, agg.handle(ctx, streams.StreamAnalysisDone, analysisDoneMsg(jobID.String())))

	reports := finalReports(t, client)
	require.Len(t, reports, 1)

	sandbox := reports[0].SandboxData()
	require.NotNil(t, sandbox)
	assert.Equal(t, domain.VerdictMalicious, sandbox.Verdict)
	assert.Equal(t, 92, sandbox.SandboxScore)
}

func TestOutOfOrder_SandboxDoneBeforeControl(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	// Sandbox result first: synthetic state assumes the track was required,
	// so the job still waits for intent.
	require.NoError(t, agg.handle(ctx, streams.StreamAnalysisDone, analysisDoneMsg(jobID.String())))
	assert.Empty(t, finalReports(t, client))

	require.NoError(t, agg.handle(ctx, streams.StreamJobControl, controlMsg(jobID.String(), true)))
	assert.Empty(t, finalReports(t, client))

	expectFinalize(mock, jobID, "msg-3")
	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))
	assert.Len(t, finalReports(t, client), 1)
}

func TestOutOfOrder_IntentDoneBeforeControl(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	// Intent result first: synthetic state assumes no sandbox track, so the
	// job completes immediately.
	expectFinalize(mock, jobID, "msg-4")
	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))

	reports := finalReports(t, client)
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].SandboxData())
}

func TestStraySandboxResultStaysOutOfReport(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	// A sandbox result lands first, then control says the track was never
	// required: the stored payload must not leak into the final report.
	require.NoError(t, agg.handle(ctx, streams.StreamAnalysisDone, analysisDoneMsg(jobID.String())))
	require.NoError(t, agg.handle(ctx, streams.StreamJobControl, controlMsg(jobID.String(), false)))

	expectFinalize(mock, jobID, "msg-5")
	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))

	reports := finalReports(t, client)
	require.Len(t, reports, 1)
	assert.Equal(t, "null", reports[0].Sandbox)
	assert.Nil(t, reports[0].SandboxData())
}

func TestFinalize_MissingRowKeepsState(t *testing.T) {
	agg, mock, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, agg.handle(ctx, streams.StreamJobControl, controlMsg(jobID.String(), false)))

	mock.ExpectQuery("SELECT (?s:.+) FROM email_events WHERE id").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	require.NoError(t, agg.handle(ctx, streams.StreamIntentDone, intentDoneMsg(jobID.String())))

	assert.Empty(t, finalReports(t, client))
	n, _ := client.Exists(ctx, stateKey(jobID.String())).Result()
	assert.EqualValues(t, 1, n, "state must survive for inspection")
}

func TestControlIsAuthoritativeOverSyntheticState(t *testing.T) {
	_, _, client, _ := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	state := NewStateStore(client, 10*time.Minute)

	// Sandbox-first creates a synthetic requiresB=true.
	st, err := state.ApplySandboxDone(ctx, jobID, "{}")
	require.NoError(t, err)
	assert.True(t, st.RequiresB)

	// A later control message saying the track wasn't required overrides it.
	st, err = state.ApplyControl(ctx, jobID, false, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, st.RequiresB)
	assert.True(t, st.SandboxReceived, "received flags survive the control merge")
}

func TestStateTTLRefreshedOnWrite(t *testing.T) {
	_, _, client, mr := newTestAggregator(t)
	ctx := context.Background()
	jobID := uuid.New().String()

	state := NewStateStore(client, 10*time.Minute)
	_, err := state.ApplyControl(ctx, jobID, true, time.Now().UTC())
	require.NoError(t, err)

	mr.FastForward(9 * time.Minute)
	_, err = state.ApplySandboxDone(ctx, jobID, "{}")
	require.NoError(t, err)

	// The write pushed the TTL back out; the state survives past the
	// original deadline.
	mr.FastForward(9 * time.Minute)
	n, _ := client.Exists(ctx, stateKey(jobID)).Result()
	assert.EqualValues(t, 1, n)

	mr.FastForward(2 * time.Minute)
	n, _ = client.Exists(ctx, stateKey(jobID)).Result()
	assert.Zero(t, n)
}
