package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/mailshield/threat-pipeline/internal/domain"
)

func testSandbox(srv *httptest.Server) *SandboxClient {
	return &SandboxClient{
		client:    srv.Client(),
		baseURL:   srv.URL,
		apiKey:    "k",
		sem:       semaphore.NewWeighted(2),
		pollDelay: time.Millisecond,
		pollEvery: time.Millisecond,
	}
}

func TestAnalyzeFile_VerdictAfterPolling(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/submit/file":
			require.Equal(t, "k", r.Header.Get("api-key"))
			json.NewEncoder(w).Encode(map[string]string{"job_id": "sb-1"})
		case strings.HasPrefix(r.URL.Path, "/report/sb-1"):
			polls++
			if polls < 3 {
				json.NewEncoder(w).Encode(map[string]string{"state": "IN_PROGRESS"})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"state":               "SUCCESS",
				"verdict":             "malicious",
				"threat_score":        92,
				"verdict_description": "ransomware behavior",
			})
		}
	}))
	defer srv.Close()

	result, err := testSandbox(srv).AnalyzeFile(context.Background(), "invoice.exe", []byte("MZ"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictMalicious, result.Verdict)
	assert.Equal(t, 92, result.Score)
	assert.Equal(t, "ransomware behavior", result.Details)
	assert.False(t, result.TimedOut)
}

func TestAnalyzeFile_NoSpecificThreatIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit/file" {
			json.NewEncoder(w).Encode(map[string]string{"job_id": "sb-2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"state": "SUCCESS", "verdict": "no_specific_threat",
		})
	}))
	defer srv.Close()

	result, err := testSandbox(srv).AnalyzeFile(context.Background(), "doc.zip", []byte("PK"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictClean, result.Verdict)
	assert.Equal(t, 10, result.Score)
}

func TestAnalyzeFile_TimeoutYieldsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit/file" {
			json.NewEncoder(w).Encode(map[string]string{"job_id": "sb-3"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"state": "IN_PROGRESS"})
	}))
	defer srv.Close()

	result, err := testSandbox(srv).AnalyzeFile(context.Background(), "slow.exe", []byte("MZ"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnknown, result.Verdict)
	assert.Equal(t, 50, result.Score)
	assert.Equal(t, "timed_out", result.Details)
	assert.True(t, result.TimedOut)
}

func TestAnalyzeFile_ReportNotReadyYet(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit/file" {
			json.NewEncoder(w).Encode(map[string]string{"job_id": "sb-4"})
			return
		}
		polls++
		if polls == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"state": "SUCCESS", "verdict": "clean"})
	}))
	defer srv.Close()

	result, err := testSandbox(srv).AnalyzeFile(context.Background(), "a.bin", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictClean, result.Verdict)
}

func TestSimulatedSandbox(t *testing.T) {
	sb := SimulatedSandbox{}

	clean, err := sb.AnalyzeFile(context.Background(), "report.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictClean, clean.Verdict)
	assert.Equal(t, "simulated", clean.Provider)

	bad, err := sb.AnalyzeFile(context.Background(), "test.com",
		[]byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictMalicious, bad.Verdict)
	assert.Equal(t, 100, bad.Score)
}
