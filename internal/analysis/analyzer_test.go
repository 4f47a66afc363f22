package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

func TestNormalizeVerdict(t *testing.T) {
	cases := map[string]domain.Verdict{
		"malicious":          domain.VerdictMalicious,
		"Suspicious":         domain.VerdictSuspicious,
		"no_specific_threat": domain.VerdictClean,
		"whitelisted":        domain.VerdictClean,
		"safe":               domain.VerdictClean,
		"clean":              domain.VerdictClean,
		"unknown":            domain.VerdictUnknown,
		"weird-new-state":    domain.VerdictUnknown,
		"":                   domain.VerdictUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeVerdict(raw), "raw=%q", raw)
	}
}

func TestScoreForVerdict(t *testing.T) {
	assert.Equal(t, 90, scoreForVerdict(domain.VerdictMalicious))
	assert.Equal(t, 50, scoreForVerdict(domain.VerdictSuspicious))
	assert.Equal(t, 50, scoreForVerdict(domain.VerdictUnknown))
	assert.Equal(t, 10, scoreForVerdict(domain.VerdictClean))
}
