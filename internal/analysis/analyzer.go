// Package analysis is the dynamic track of the pipeline: it detonates
// suspicious attachments in an external sandbox or checks extracted URLs
// against a reputation service, and normalizes either outcome into a single
// verdict shape.
package analysis

import (
	"context"
	"strings"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

// FileAnalyzer detonates attachment bytes.
type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, filename string, data []byte) (domain.SandboxResult, error)
}

// URLAnalyzer checks a batch of URLs for reputation.
type URLAnalyzer interface {
	AnalyzeURLs(ctx context.Context, urls []string) (domain.SandboxResult, error)
}

// providerVerdicts maps raw provider verdict strings onto the pipeline's
// taxonomy. Providers use varied vocabulary for "nothing found".
var providerVerdicts = map[string]domain.Verdict{
	"malicious":          domain.VerdictMalicious,
	"suspicious":         domain.VerdictSuspicious,
	"clean":              domain.VerdictClean,
	"no_specific_threat": domain.VerdictClean,
	"whitelisted":        domain.VerdictClean,
	"safe":               domain.VerdictClean,
	"unknown":            domain.VerdictUnknown,
}

// normalizeVerdict maps a provider verdict string to the taxonomy; anything
// unrecognized is unknown.
func normalizeVerdict(raw string) domain.Verdict {
	if v, ok := providerVerdicts[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return v
	}
	return domain.VerdictUnknown
}

// scoreForVerdict gives the sandbox-score used when the provider reports no
// numeric score of its own.
func scoreForVerdict(v domain.Verdict) int {
	switch v {
	case domain.VerdictMalicious:
		return 90
	case domain.VerdictSuspicious, domain.VerdictUnknown:
		return 50
	default:
		return 10
	}
}
