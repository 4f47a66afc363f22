package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/pkg/httpretry"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

// Detonation polling schedule: first check after 30s, then every minute
// until roughly ten minutes have passed.
const (
	initialPollDelay = 30 * time.Second
	pollInterval     = 60 * time.Second
	maxPolls         = 9
	rateLimitBackoff = 60 * time.Second
)

// SandboxClient submits files to an external detonation sandbox and polls
// for the verdict. A semaphore caps concurrent detonations per process.
type SandboxClient struct {
	client  httpretry.HTTPDoer
	baseURL string
	apiKey  string
	sem     *semaphore.Weighted

	// pollDelay/pollEvery are overridable for tests.
	pollDelay time.Duration
	pollEvery time.Duration
}

// NewSandboxClient builds a sandbox client from config; maxConcurrent bounds
// in-flight detonations.
func NewSandboxClient(cfg config.SandboxConfig, maxConcurrent int) *SandboxClient {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &SandboxClient{
		client:    httpretry.NewRetryClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}, 3),
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		pollDelay: initialPollDelay,
		pollEvery: pollInterval,
	}
}

// AnalyzeFile submits the file and polls until the sandbox reaches a
// verdict or the polling window closes. A closed window yields an unknown,
// timed-out result rather than an error: the job must still complete.
func (s *SandboxClient) AnalyzeFile(ctx context.Context, filename string, data []byte) (domain.SandboxResult, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.SandboxResult{}, err
	}
	defer s.sem.Release(1)

	jobID, err := s.submit(ctx, filename, data)
	if err != nil {
		return domain.SandboxResult{}, err
	}
	logger.Info("sandbox submission accepted", "sandbox_job", jobID, "filename", filename)

	if err := sleepCtx(ctx, s.pollDelay); err != nil {
		return domain.SandboxResult{}, err
	}

	for poll := 0; poll <= maxPolls; poll++ {
		report, done, err := s.fetchReport(ctx, jobID)
		if err != nil {
			return domain.SandboxResult{}, err
		}
		if done {
			verdict := normalizeVerdict(report.Verdict)
			score := report.ThreatScore
			if score == 0 {
				score = scoreForVerdict(verdict)
			}
			return domain.SandboxResult{
				Verdict:  verdict,
				Score:    score,
				Details:  report.VerdictDescription,
				Provider: "sandbox",
			}, nil
		}
		if poll < maxPolls {
			if err := sleepCtx(ctx, s.pollEvery); err != nil {
				return domain.SandboxResult{}, err
			}
		}
	}

	logger.Warn("sandbox analysis timed out", "sandbox_job", jobID)
	return domain.SandboxResult{
		Verdict:  domain.VerdictUnknown,
		Score:    50,
		Details:  "timed_out",
		Provider: "sandbox",
		TimedOut: true,
	}, nil
}

type sandboxReport struct {
	State              string `json:"state"`
	Verdict            string `json:"verdict"`
	ThreatScore        int    `json:"threat_score"`
	VerdictDescription string `json:"verdict_description"`
}

func (s *SandboxClient) submit(ctx context.Context, filename string, data []byte) (string, error) {
	for attempt := 0; ; attempt++ {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(data); err != nil {
			return "", err
		}
		if err := mw.Close(); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/submit/file", &buf)
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("api-key", s.apiKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("sandbox submit: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			// Rate limited even after retries; back off once and resubmit.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if err := sleepCtx(ctx, rateLimitBackoff); err != nil {
				return "", err
			}
			continue
		}
		if resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return "", fmt.Errorf("sandbox submit: status %d", resp.StatusCode)
		}

		var out struct {
			JobID string `json:"job_id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("decode submit response: %w", err)
		}
		if out.JobID == "" {
			return "", fmt.Errorf("sandbox submit: empty job id")
		}
		return out.JobID, nil
	}
}

func (s *SandboxClient) fetchReport(ctx context.Context, jobID string) (*sandboxReport, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/report/%s/summary", s.baseURL, jobID), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("sandbox report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Report not ready yet.
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("sandbox report: status %d", resp.StatusCode)
	}

	var report sandboxReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, false, fmt.Errorf("decode report: %w", err)
	}
	if report.State == "IN_PROGRESS" || report.State == "IN_QUEUE" {
		return nil, false, nil
	}
	return &report, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimulatedSandbox stands in for the real sandbox in development. It only
// flags the EICAR test signature; everything else comes back clean.
type SimulatedSandbox struct{}

// AnalyzeFile returns a deterministic verdict without network calls.
func (SimulatedSandbox) AnalyzeFile(_ context.Context, filename string, data []byte) (domain.SandboxResult, error) {
	if bytes.Contains(data, []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE")) {
		return domain.SandboxResult{
			Verdict:  domain.VerdictMalicious,
			Score:    100,
			Details:  "EICAR test signature",
			Provider: "simulated",
		}, nil
	}
	return domain.SandboxResult{
		Verdict:  domain.VerdictClean,
		Score:    10,
		Details:  fmt.Sprintf("no threats found in %s", filename),
		Provider: "simulated",
	}, nil
}
