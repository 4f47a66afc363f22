package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishAndRead(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	msg := ControlMessage{
		JobID:     "job-1",
		RequiresB: true,
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, Publish(ctx, client, msg))

	c := NewConsumer(client, "test_group", "tester", StreamJobControl)
	require.NoError(t, c.EnsureGroups(ctx))

	c.block = 50 * time.Millisecond
	batches, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)

	got, err := ParseControl(batches[0].Messages[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.True(t, got.RequiresB)
	assert.True(t, got.CreatedAt.Equal(msg.CreatedAt))
}

func TestEnsureGroups_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	c := NewConsumer(client, "g", "w", StreamIntent, StreamAnalysis)
	require.NoError(t, c.EnsureGroups(ctx))
	// Second call hits BUSYGROUP on both streams and must not error.
	require.NoError(t, c.EnsureGroups(ctx))
}

func TestAck_RemovesFromPending(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	require.NoError(t, Publish(ctx, client, IntentRequest{EmailID: "e1", Subject: "hi"}))

	c := NewConsumer(client, "g", "w", StreamIntent)
	require.NoError(t, c.EnsureGroups(ctx))
	c.block = 50 * time.Millisecond

	batches, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches[0].Messages, 1)
	id := batches[0].Messages[0].ID

	require.NoError(t, c.Ack(ctx, StreamIntent, id))

	pending, err := client.XPending(ctx, StreamIntent, "g").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRead_EmptyOnTimeout(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	c := NewConsumer(client, "g", "w", StreamIntent)
	require.NoError(t, c.EnsureGroups(ctx))
	c.block = 20 * time.Millisecond

	batches, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestControlMessage_RoundTrip(t *testing.T) {
	m := ControlMessage{JobID: "j", RequiresB: false, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	got, err := ParseControl(m.Values())
	require.NoError(t, err)
	assert.Equal(t, m.JobID, got.JobID)
	assert.Equal(t, m.RequiresB, got.RequiresB)
	assert.True(t, got.CreatedAt.Equal(m.CreatedAt))

	_, err = ParseControl(map[string]interface{}{"requiresB": "true"})
	assert.Error(t, err)
}

func TestIntentDone_RoundTrip(t *testing.T) {
	m := IntentDone{
		JobID:            "j",
		Intent:           "phishing",
		RiskScore:        86,
		RiskTier:         "THREAT",
		IntentConfidence: 0.9,
		IntentIndicators: []string{"credential harvest", "urgency"},
	}
	got, err := ParseIntentDone(m.Values())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestAnalysisRequest_RoundTrip(t *testing.T) {
	m := AnalysisRequest{
		EmailID:   "e1",
		MessageID: "m1",
		URLs:      []string{"https://example.com/a"},
		Attachments: []domain.Attachment{
			{Filename: "invoice.exe", MimeType: "application/octet-stream", Size: 2048, AttachmentID: "att-1"},
		},
	}
	got, err := ParseAnalysisRequest(m.Values())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestAnalysisDone_RoundTrip(t *testing.T) {
	m := AnalysisDone{
		JobID:        "j",
		Verdict:      domain.VerdictMalicious,
		SandboxScore: 92,
		SandboxResult: domain.SandboxResult{
			Verdict:  "malicious",
			Score:    92,
			Details:  "ransomware behavior",
			Provider: "hybrid-analysis",
		},
	}
	got, err := ParseAnalysisDone(m.Values())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFinalReport_SandboxDefaultsToNull(t *testing.T) {
	m := FinalReport{JobID: "j", MessageID: "m", Intent: `{"intent":"newsletter"}`}
	values := m.Values()
	assert.Equal(t, "null", values["sandbox"])

	got, err := ParseFinalReport(values)
	require.NoError(t, err)
	assert.Nil(t, got.SandboxData())
}

func TestFinalReport_SandboxData(t *testing.T) {
	done := AnalysisDone{JobID: "j", Verdict: domain.VerdictClean, SandboxScore: 10}
	raw := mustJSON(t, done)

	m := FinalReport{JobID: "j", MessageID: "m", Intent: "{}", Sandbox: raw}
	got, err := ParseFinalReport(m.Values())
	require.NoError(t, err)

	data := got.SandboxData()
	require.NotNil(t, data)
	assert.Equal(t, domain.VerdictClean, data.Verdict)
	assert.Equal(t, 10, data.SandboxScore)
}

func TestFinalReport_IntentData(t *testing.T) {
	done := IntentDone{JobID: "j", Intent: "phishing", RiskScore: 91, RiskTier: "THREAT"}
	raw := mustJSON(t, done)

	m := FinalReport{JobID: "j", MessageID: "m", Intent: raw}
	got, err := ParseFinalReport(m.Values())
	require.NoError(t, err)

	data := got.IntentData()
	require.NotNil(t, data)
	assert.Equal(t, "phishing", data.Intent)
	assert.Equal(t, 91, data.RiskScore)

	assert.Nil(t, FinalReport{Intent: "null"}.IntentData())
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
