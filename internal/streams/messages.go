package streams

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

// Message is a typed stream payload. Values() returns the flat string-keyed
// map that goes on the wire; field names are part of the protocol and must
// not change.
type Message interface {
	Stream() string
	Values() map[string]interface{}
}

// fieldString pulls a string field out of a raw stream payload.
func fieldString(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// ControlMessage opens a job on the control stream. It tells the aggregator
// whether the sandbox track is required before the job can complete.
type ControlMessage struct {
	JobID     string
	RequiresB bool
	CreatedAt time.Time
}

func (ControlMessage) Stream() string { return StreamJobControl }

func (m ControlMessage) Values() map[string]interface{} {
	return map[string]interface{}{
		"job_id":     m.JobID,
		"requiresB":  strconv.FormatBool(m.RequiresB),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseControl decodes a control payload. The created_at field falls back
// to now if absent or unparseable; a missing job_id is an error.
func ParseControl(values map[string]interface{}) (ControlMessage, error) {
	m := ControlMessage{
		JobID:     fieldString(values, "job_id"),
		RequiresB: fieldString(values, "requiresB") == "true",
	}
	if m.JobID == "" {
		return m, fmt.Errorf("control message missing job_id")
	}
	if ts, err := time.Parse(time.RFC3339, fieldString(values, "created_at")); err == nil {
		m.CreatedAt = ts
	} else {
		m.CreatedAt = time.Now().UTC()
	}
	return m, nil
}

// IntentRequest asks the intent worker to classify one email.
type IntentRequest struct {
	EmailID string
	Subject string
	Body    string
}

func (IntentRequest) Stream() string { return StreamIntent }

func (m IntentRequest) Values() map[string]interface{} {
	return map[string]interface{}{
		"email_id": m.EmailID,
		"subject":  m.Subject,
		"body":     m.Body,
	}
}

// ParseIntentRequest decodes an intent-request payload.
func ParseIntentRequest(values map[string]interface{}) (IntentRequest, error) {
	m := IntentRequest{
		EmailID: fieldString(values, "email_id"),
		Subject: fieldString(values, "subject"),
		Body:    fieldString(values, "body"),
	}
	if m.EmailID == "" {
		return m, fmt.Errorf("intent request missing email_id")
	}
	return m, nil
}

// IntentDone carries the intent track's verdict to the aggregator.
type IntentDone struct {
	JobID            string   `json:"job_id"`
	Intent           string   `json:"intent"`
	RiskScore        int      `json:"risk_score"`
	RiskTier         string   `json:"risk_tier"`
	IntentConfidence float64  `json:"intent_confidence"`
	IntentIndicators []string `json:"intent_indicators"`
}

func (IntentDone) Stream() string { return StreamIntentDone }

func (m IntentDone) Values() map[string]interface{} {
	indicators, _ := json.Marshal(m.IntentIndicators)
	return map[string]interface{}{
		"job_id":            m.JobID,
		"intent":            m.Intent,
		"risk_score":        strconv.Itoa(m.RiskScore),
		"risk_tier":         m.RiskTier,
		"intent_confidence": strconv.FormatFloat(m.IntentConfidence, 'f', -1, 64),
		"intent_indicators": string(indicators),
	}
}

// ParseIntentDone decodes an intent-done payload.
func ParseIntentDone(values map[string]interface{}) (IntentDone, error) {
	m := IntentDone{
		JobID:    fieldString(values, "job_id"),
		Intent:   fieldString(values, "intent"),
		RiskTier: fieldString(values, "risk_tier"),
	}
	if m.JobID == "" {
		return m, fmt.Errorf("intent done missing job_id")
	}
	m.RiskScore, _ = strconv.Atoi(fieldString(values, "risk_score"))
	m.IntentConfidence, _ = strconv.ParseFloat(fieldString(values, "intent_confidence"), 64)
	if raw := fieldString(values, "intent_indicators"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.IntentIndicators)
	}
	return m, nil
}

// AnalysisRequest asks the analysis worker to run the dynamic analyzer.
// URLs and attachment metadata travel as JSON-encoded arrays.
type AnalysisRequest struct {
	EmailID     string
	MessageID   string
	URLs        []string
	Attachments []domain.Attachment
}

func (AnalysisRequest) Stream() string { return StreamAnalysis }

func (m AnalysisRequest) Values() map[string]interface{} {
	urls, _ := json.Marshal(m.URLs)
	atts, _ := json.Marshal(m.Attachments)
	return map[string]interface{}{
		"email_id":            m.EmailID,
		"message_id":          m.MessageID,
		"extracted_urls":      string(urls),
		"attachment_metadata": string(atts),
	}
}

// ParseAnalysisRequest decodes an analysis-request payload.
func ParseAnalysisRequest(values map[string]interface{}) (AnalysisRequest, error) {
	m := AnalysisRequest{
		EmailID:   fieldString(values, "email_id"),
		MessageID: fieldString(values, "message_id"),
	}
	if m.EmailID == "" {
		return m, fmt.Errorf("analysis request missing email_id")
	}
	if raw := fieldString(values, "extracted_urls"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.URLs)
	}
	if raw := fieldString(values, "attachment_metadata"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.Attachments)
	}
	return m, nil
}

// AnalysisDone carries the sandbox track's verdict to the aggregator.
type AnalysisDone struct {
	JobID         string               `json:"job_id"`
	Verdict       domain.Verdict       `json:"verdict"`
	SandboxScore  int                  `json:"sandbox_score"`
	SandboxResult domain.SandboxResult `json:"sandbox_result"`
}

func (AnalysisDone) Stream() string { return StreamAnalysisDone }

func (m AnalysisDone) Values() map[string]interface{} {
	result, _ := json.Marshal(m.SandboxResult)
	return map[string]interface{}{
		"job_id":         m.JobID,
		"verdict":        string(m.Verdict),
		"sandbox_score":  strconv.Itoa(m.SandboxScore),
		"sandbox_result": string(result),
	}
}

// ParseAnalysisDone decodes an analysis-done payload.
func ParseAnalysisDone(values map[string]interface{}) (AnalysisDone, error) {
	m := AnalysisDone{
		JobID:   fieldString(values, "job_id"),
		Verdict: domain.Verdict(fieldString(values, "verdict")),
	}
	if m.JobID == "" {
		return m, fmt.Errorf("analysis done missing job_id")
	}
	m.SandboxScore, _ = strconv.Atoi(fieldString(values, "sandbox_score"))
	if raw := fieldString(values, "sandbox_result"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.SandboxResult)
	}
	return m, nil
}

// FinalReport is the aggregator's unified verdict for one job. Intent and
// Sandbox are the serialized done-payloads; Sandbox is the literal JSON
// string "null" when the sandbox track did not run.
type FinalReport struct {
	JobID     string
	MessageID string
	Intent    string
	Sandbox   string
}

func (FinalReport) Stream() string { return StreamFinalReport }

func (m FinalReport) Values() map[string]interface{} {
	sandbox := m.Sandbox
	if sandbox == "" {
		sandbox = "null"
	}
	return map[string]interface{}{
		"job_id":     m.JobID,
		"message_id": m.MessageID,
		"intent":     m.Intent,
		"sandbox":    sandbox,
	}
}

// ParseFinalReport decodes a final-report payload.
func ParseFinalReport(values map[string]interface{}) (FinalReport, error) {
	m := FinalReport{
		JobID:     fieldString(values, "job_id"),
		MessageID: fieldString(values, "message_id"),
		Intent:    fieldString(values, "intent"),
		Sandbox:   fieldString(values, "sandbox"),
	}
	if m.JobID == "" {
		return m, fmt.Errorf("final report missing job_id")
	}
	return m, nil
}

// IntentData unmarshals the intent field of a final report back into the
// done-payload it was serialized from. Returns nil when absent or
// unparseable.
func (m FinalReport) IntentData() *IntentDone {
	if m.Intent == "" || m.Intent == "null" {
		return nil
	}
	var d IntentDone
	if err := json.Unmarshal([]byte(m.Intent), &d); err != nil {
		return nil
	}
	return &d
}

// SandboxData unmarshals the sandbox field of a final report back into the
// done-payload it was serialized from. Returns nil when the sandbox track
// did not run ("null" or empty) or the field is unparseable.
func (m FinalReport) SandboxData() *AnalysisDone {
	if m.Sandbox == "" || m.Sandbox == "null" {
		return nil
	}
	var d AnalysisDone
	if err := json.Unmarshal([]byte(m.Sandbox), &d); err != nil {
		return nil
	}
	return &d
}
