package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/pkg/httpretry"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

// URLRepClient checks URLs against an external reputation service. A
// semaphore caps concurrent scans so a burst of jobs can't exhaust the
// provider's rate limit.
type URLRepClient struct {
	client  httpretry.HTTPDoer
	baseURL string
	apiKey  string
	sem     *semaphore.Weighted
}

// NewURLRepClient builds a reputation client; maxConcurrent bounds the
// number of in-flight scans across all jobs.
func NewURLRepClient(cfg config.URLRepConfig, maxConcurrent int) *URLRepClient {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &URLRepClient{
		client:  httpretry.NewRetryClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}, 3),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// AnalyzeURLs scans the batch and reports the worst verdict found. One bad
// URL makes the whole email bad; clean URLs never offset it.
func (c *URLRepClient) AnalyzeURLs(ctx context.Context, urls []string) (domain.SandboxResult, error) {
	worst := domain.SandboxResult{
		Verdict:  domain.VerdictClean,
		Score:    scoreForVerdict(domain.VerdictClean),
		Details:  "all URLs clean",
		Provider: "url-reputation",
	}

	for _, url := range urls {
		verdict, detail, err := c.scan(ctx, url)
		if err != nil {
			return domain.SandboxResult{}, err
		}
		logger.Debug("url scanned", "url", logger.SanitizeURL(url), "verdict", string(verdict))

		if verdictRank(verdict) > verdictRank(worst.Verdict) {
			worst = domain.SandboxResult{
				Verdict:  verdict,
				Score:    scoreForVerdict(verdict),
				Details:  detail,
				Provider: "url-reputation",
			}
		}
	}
	return worst, nil
}

// verdictRank orders verdicts by severity for worst-of aggregation.
func verdictRank(v domain.Verdict) int {
	switch v {
	case domain.VerdictMalicious:
		return 3
	case domain.VerdictSuspicious:
		return 2
	case domain.VerdictUnknown:
		return 1
	default:
		return 0
	}
}

func (c *URLRepClient) scan(ctx context.Context, url string) (domain.Verdict, string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", "", err
	}
	defer c.sem.Release(1)

	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scan", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("url scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		// Retries are exhausted at this point. The job must still complete,
		// so an unreachable reputation service degrades to unknown.
		logger.Warn("url reputation unavailable",
			"url", logger.SanitizeURL(url), "status", resp.StatusCode)
		return domain.VerdictUnknown,
			fmt.Sprintf("reputation service unavailable (status %d)", resp.StatusCode), nil
	}

	var out struct {
		Verdict string `json:"verdict"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode scan response: %w", err)
	}

	verdict := normalizeVerdict(out.Verdict)
	detail := out.Details
	if detail == "" {
		detail = fmt.Sprintf("reputation verdict %s for %s", out.Verdict, logger.SanitizeURL(url))
	}
	return verdict, detail, nil
}
