package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

// ErrAlreadyIngested is returned when the email's message id has been seen
// before; the caller reports success without reopening the job.
var ErrAlreadyIngested = errors.New("email already ingested")

// Producer persists incoming emails and opens pipeline jobs for them.
type Producer struct {
	events *store.EmailEventStore
	users  *store.UserStore
	broker *redis.Client
}

// NewProducer wires the ingest producer to its store and broker.
func NewProducer(events *store.EmailEventStore, users *store.UserStore, broker *redis.Client) *Producer {
	return &Producer{events: events, users: users, broker: broker}
}

// Ingest runs the full intake sequence for one email: dedup, persist, gate,
// then fan out. The control message goes first so the aggregator knows the
// job's completion requirements before any track can finish.
func (p *Producer) Ingest(ctx context.Context, email domain.StructuredEmail) (*domain.EmailEvent, GateDecision, error) {
	var gate GateDecision

	userID, err := p.users.GetOrCreate(ctx, email.Recipient)
	if err != nil {
		return nil, gate, err
	}

	gate = Evaluate(email)

	event := &domain.EmailEvent{
		UserID:      userID,
		Sender:      email.Sender,
		Recipient:   email.Recipient,
		Subject:     email.Subject,
		MessageID:   email.MessageID,
		BodyPreview: email.BodyPreview(),
		ReceivedAt:  email.ReceivedAt,
		SPFStatus:   email.Auth.SPF,
		DKIMStatus:  email.Auth.DKIM,
		DMARCStatus: email.Auth.DMARC,
		SenderIP:    email.SenderIP,
		Sandboxed:   gate.NeedsSandboxing,
	}
	if err := p.events.Insert(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			logger.Info("skipping already-ingested email", "message_id", email.MessageID)
			return nil, gate, ErrAlreadyIngested
		}
		return nil, gate, err
	}

	jobID := event.ID.String()
	logger.Info("opening job",
		"job_id", jobID,
		"sender", email.Sender,
		"static_score", gate.Score,
		"needs_sandboxing", gate.NeedsSandboxing)

	control := streams.ControlMessage{
		JobID:     jobID,
		RequiresB: gate.NeedsSandboxing,
		CreatedAt: time.Now().UTC(),
	}
	if err := streams.Publish(ctx, p.broker, control); err != nil {
		return nil, gate, fmt.Errorf("publish control: %w", err)
	}

	intent := streams.IntentRequest{
		EmailID: jobID,
		Subject: email.Subject,
		Body:    email.BodyPreview(),
	}
	if err := streams.Publish(ctx, p.broker, intent); err != nil {
		return nil, gate, fmt.Errorf("publish intent request: %w", err)
	}

	if gate.NeedsSandboxing {
		analysis := streams.AnalysisRequest{
			EmailID:     jobID,
			MessageID:   email.MessageID,
			URLs:        email.ExtractedURLs,
			Attachments: email.Attachments,
		}
		if err := streams.Publish(ctx, p.broker, analysis); err != nil {
			return nil, gate, fmt.Errorf("publish analysis request: %w", err)
		}
	}

	return event, gate, nil
}
