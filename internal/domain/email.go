package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailStatus enumerates the processing states of an analyzed email.
type EmailStatus string

const (
	StatusProcessing EmailStatus = "PROCESSING"
	StatusCompleted  EmailStatus = "COMPLETED"
	StatusFailed     EmailStatus = "FAILED"
	StatusSpam       EmailStatus = "SPAM"
)

// RiskTier is the coarse public classification derived from risk_score.
type RiskTier string

const (
	TierSafe     RiskTier = "SAFE"
	TierCautious RiskTier = "CAUTIOUS"
	TierThreat   RiskTier = "THREAT"
)

// TierForScore maps a 0-100 risk score onto a tier.
// SAFE below 30, CAUTIOUS below 80, THREAT at 80 and above.
func TierForScore(score int) RiskTier {
	if score < 30 {
		return TierSafe
	}
	if score < 80 {
		return TierCautious
	}
	return TierThreat
}

// Verdict is the analyzer-level outcome of a dynamic (sandbox or URL) analysis.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
)

// Attachment carries the metadata of a MIME attachment extracted upstream.
// Content is never carried through the pipeline; AttachmentID lets the
// analysis worker fetch it from the mailbox provider on demand.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// AuthStatus holds the SPF/DKIM/DMARC evaluation results from the
// Authentication-Results header (PASS, FAIL, NEUTRAL, NONE or empty).
type AuthStatus struct {
	SPF   string `json:"spf,omitempty"`
	DKIM  string `json:"dkim,omitempty"`
	DMARC string `json:"dmarc,omitempty"`
}

// StructuredEmail is the already-parsed email record handed to the ingest
// producer by the mailbox integration. MessageID is the provider-assigned
// identifier and drives deduplication.
type StructuredEmail struct {
	MessageID     string       `json:"message_id"`
	Sender        string       `json:"sender"`
	Recipient     string       `json:"recipient"`
	Subject       string       `json:"subject"`
	BodyText      string       `json:"body_text"`
	BodyHTML      string       `json:"body_html,omitempty"`
	ReceivedAt    *time.Time   `json:"received_at,omitempty"`
	SenderIP      string       `json:"sender_ip,omitempty"`
	Auth          AuthStatus   `json:"auth_status"`
	ExtractedURLs []string     `json:"extracted_urls"`
	Attachments   []Attachment `json:"attachments"`
}

// BodyPreview returns the text used for classification and storage:
// plain text if present, HTML otherwise.
func (e StructuredEmail) BodyPreview() string {
	if e.BodyText != "" {
		return e.BodyText
	}
	return e.BodyHTML
}

// SandboxResult is the normalized outcome of a dynamic analysis run,
// persisted as JSON on the email event and carried on the done message.
type SandboxResult struct {
	Verdict  Verdict `json:"verdict"`
	Score    int     `json:"score"`
	Details  string  `json:"details"`
	Provider string  `json:"provider"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// EmailEvent is the durable row representing one email's end-to-end
// analysis. Its ID doubles as the pipeline job_id.
type EmailEvent struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID uuid.UUID `json:"user_id" db:"user_id"`

	Sender      string     `json:"sender" db:"sender"`
	Recipient   string     `json:"recipient" db:"recipient"`
	Subject     string     `json:"subject" db:"subject"`
	MessageID   string     `json:"message_id" db:"message_id"`
	BodyPreview string     `json:"body_preview" db:"body_preview"`
	ReceivedAt  *time.Time `json:"received_at" db:"received_at"`

	SPFStatus   string `json:"spf_status" db:"spf_status"`
	DKIMStatus  string `json:"dkim_status" db:"dkim_status"`
	DMARCStatus string `json:"dmarc_status" db:"dmarc_status"`
	SenderIP    string `json:"sender_ip" db:"sender_ip"`

	Status EmailStatus `json:"status" db:"status"`

	Intent            string     `json:"intent" db:"intent"`
	IntentConfidence  *float64   `json:"intent_confidence" db:"intent_confidence"`
	IntentIndicators  []string   `json:"intent_indicators" db:"intent_indicators"`
	IntentProcessedAt *time.Time `json:"intent_processed_at" db:"intent_processed_at"`

	RiskScore *int     `json:"risk_score" db:"risk_score"`
	RiskTier  RiskTier `json:"risk_tier" db:"risk_tier"`

	Sandboxed     bool           `json:"sandboxed" db:"sandboxed"`
	SandboxResult *SandboxResult `json:"sandbox_result" db:"sandbox_result"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
