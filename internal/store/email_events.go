package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

// EmailEventStore persists email analysis rows in Postgres.
type EmailEventStore struct{ db *sql.DB }

// NewEmailEventStore creates a Postgres-backed email event store.
func NewEmailEventStore(db *sql.DB) *EmailEventStore { return &EmailEventStore{db: db} }

const emailEventColumns = `
	id, user_id, sender, recipient, subject, message_id, body_preview,
	received_at, spf_status, dkim_status, dmarc_status, sender_ip, status,
	COALESCE(intent,''), intent_confidence, intent_indicators, intent_processed_at,
	risk_score, COALESCE(risk_tier,''), sandboxed, sandbox_result,
	created_at, updated_at`

// Insert creates a new email event in PROCESSING state. A unique-violation
// on message_id is surfaced as ErrDuplicate so ingest can skip reprocessing.
func (s *EmailEventStore) Insert(ctx context.Context, e *domain.EmailEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.StatusProcessing
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_events
			(id, user_id, sender, recipient, subject, message_id, body_preview,
			 received_at, spf_status, dkim_status, dmarc_status, sender_ip,
			 status, sandboxed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
	`, e.ID, e.UserID, e.Sender, e.Recipient, e.Subject, e.MessageID, e.BodyPreview,
		e.ReceivedAt, e.SPFStatus, e.DKIMStatus, e.DMARCStatus, e.SenderIP, e.Status,
		e.Sandboxed)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert email event: %w", err)
	}
	return nil
}

// Get fetches one email event by job id.
func (s *EmailEventStore) Get(ctx context.Context, id uuid.UUID) (*domain.EmailEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailEventColumns+` FROM email_events WHERE id = $1`, id)
	return scanEmailEvent(row)
}

// ExistsByMessageID reports whether an email with the given provider
// message id has already been ingested.
func (s *EmailEventStore) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_events WHERE message_id = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message_id: %w", err)
	}
	return exists, nil
}

// SetIntentResult records the intent track's outcome on the row.
func (s *EmailEventStore) SetIntentResult(ctx context.Context, id uuid.UUID, intent string, confidence float64, indicators []string, riskScore int, tier domain.RiskTier) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_events
		SET intent = $2, intent_confidence = $3, intent_indicators = $4,
		    intent_processed_at = NOW(), risk_score = $5, risk_tier = $6,
		    updated_at = NOW()
		WHERE id = $1
	`, id, intent, confidence, pq.Array(indicators), riskScore, tier)
	if err != nil {
		return fmt.Errorf("set intent result: %w", err)
	}
	return requireRow(res)
}

// SetSandboxResult records the dynamic analysis outcome as JSON and marks
// the row sandboxed.
func (s *EmailEventStore) SetSandboxResult(ctx context.Context, id uuid.UUID, result *domain.SandboxResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal sandbox result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_events
		SET sandboxed = TRUE, sandbox_result = $2, updated_at = NOW()
		WHERE id = $1
	`, id, raw)
	if err != nil {
		return fmt.Errorf("set sandbox result: %w", err)
	}
	return requireRow(res)
}

// MarkCompleted transitions the row to its terminal status. The aggregator
// calls this exactly once per job, before the final report is published.
func (s *EmailEventStore) MarkCompleted(ctx context.Context, id uuid.UUID, status domain.EmailStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_events SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(res)
}

// MarkFailed flags a row whose processing hit an unrecoverable error.
func (s *EmailEventStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.MarkCompleted(ctx, id, domain.StatusFailed)
}

// ListRecent returns the newest events, newest first, for the stats API.
func (s *EmailEventStore) ListRecent(ctx context.Context, limit int) ([]domain.EmailEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailEventColumns+` FROM email_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list email events: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailEvent
	for rows.Next() {
		e, err := scanEmailEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountByStatus returns row counts grouped by status for the stats API.
func (s *EmailEventStore) CountByStatus(ctx context.Context) (map[domain.EmailStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EmailStatus]int)
	for rows.Next() {
		var status domain.EmailStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmailEvent(row rowScanner) (*domain.EmailEvent, error) {
	e := &domain.EmailEvent{}
	var (
		spf, dkim, dmarc, senderIP sql.NullString
		receivedAt, intentAt       sql.NullTime
		confidence                 sql.NullFloat64
		riskScore                  sql.NullInt64
		tier                       string
		indicators                 pq.StringArray
		sandboxRaw                 []byte
	)

	err := row.Scan(
		&e.ID, &e.UserID, &e.Sender, &e.Recipient, &e.Subject, &e.MessageID,
		&e.BodyPreview, &receivedAt, &spf, &dkim, &dmarc, &senderIP, &e.Status,
		&e.Intent, &confidence, &indicators, &intentAt,
		&riskScore, &tier, &e.Sandboxed, &sandboxRaw,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan email event: %w", err)
	}

	e.SPFStatus = spf.String
	e.DKIMStatus = dkim.String
	e.DMARCStatus = dmarc.String
	e.SenderIP = senderIP.String
	e.RiskTier = domain.RiskTier(tier)
	e.IntentIndicators = indicators
	if receivedAt.Valid {
		t := receivedAt.Time
		e.ReceivedAt = &t
	}
	if intentAt.Valid {
		t := intentAt.Time
		e.IntentProcessedAt = &t
	}
	if confidence.Valid {
		c := confidence.Float64
		e.IntentConfidence = &c
	}
	if riskScore.Valid {
		n := int(riskScore.Int64)
		e.RiskScore = &n
	}
	if len(sandboxRaw) > 0 {
		var sr domain.SandboxResult
		if err := json.Unmarshal(sandboxRaw, &sr); err == nil {
			e.SandboxResult = &sr
		}
	}
	return e, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// touchTimeout bounds single-row writes from stream handlers so a stalled
// database can't hold a consumer's whole batch.
const touchTimeout = 10 * time.Second

// WithWriteTimeout derives a bounded context for a single store write.
func WithWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, touchTimeout)
}
