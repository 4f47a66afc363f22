package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailshield/threat-pipeline/internal/domain"
	"github.com/mailshield/threat-pipeline/internal/mailbox"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
	"github.com/mailshield/threat-pipeline/internal/store"
	"github.com/mailshield/threat-pipeline/internal/streams"
)

// maxURLsPerJob caps how many extracted URLs one job will scan.
const maxURLsPerJob = 10

// Worker consumes analysis requests, runs the appropriate analyzer and
// publishes the normalized result to the aggregator. Attachments take
// priority over URLs: an email with both gets its attachment detonated and
// the URLs skipped.
type Worker struct {
	broker   *redis.Client
	events   *store.EmailEventStore
	provider mailbox.Provider
	files    FileAnalyzer
	urls     URLAnalyzer
	consumer *streams.Consumer
}

// NewWorker wires an analysis worker to its broker, store and analyzers.
func NewWorker(broker *redis.Client, events *store.EmailEventStore, provider mailbox.Provider, files FileAnalyzer, urls URLAnalyzer) *Worker {
	return &Worker{
		broker:   broker,
		events:   events,
		provider: provider,
		files:    files,
		urls:     urls,
		consumer: streams.NewConsumer(broker, streams.GroupAnalysisWorkers,
			"analysis-worker", streams.StreamAnalysis),
	}
}

// Run consumes until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, _ string, msg redis.XMessage) error {
	req, err := streams.ParseAnalysisRequest(msg.Values)
	if err != nil {
		logger.Warn("dropping malformed analysis request", "id", msg.ID, "error", err)
		return nil
	}

	jobID, err := uuid.Parse(req.EmailID)
	if err != nil {
		logger.Warn("dropping analysis request with invalid job id", "job_id", req.EmailID)
		return nil
	}

	result, err := w.analyze(ctx, req)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", req.EmailID, err)
	}

	wctx, cancel := store.WithWriteTimeout(ctx)
	err = w.events.SetSandboxResult(wctx, jobID, &result)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("sandbox result for unknown job", "job_id", req.EmailID)
			return nil
		}
		return fmt.Errorf("persist sandbox result: %w", err)
	}

	done := streams.AnalysisDone{
		JobID:         req.EmailID,
		Verdict:       result.Verdict,
		SandboxScore:  result.Score,
		SandboxResult: result,
	}
	if err := streams.Publish(ctx, w.broker, done); err != nil {
		return fmt.Errorf("publish analysis done: %w", err)
	}

	logger.Info("dynamic analysis finished",
		"job_id", req.EmailID,
		"verdict", string(result.Verdict),
		"sandbox_score", result.Score,
		"provider", result.Provider)
	return nil
}

// analyze picks the analysis mode for the request. Analyzer failures never
// bubble up as errors: the job must complete regardless, so an analyzer
// that is down after retries yields an unknown verdict instead.
func (w *Worker) analyze(ctx context.Context, req streams.AnalysisRequest) (domain.SandboxResult, error) {
	if att := pickAttachment(req.Attachments); att != nil {
		data, err := w.provider.FetchAttachment(ctx, req.MessageID, att.AttachmentID)
		if err == nil {
			result, err := w.files.AnalyzeFile(ctx, att.Filename, data)
			return degrade(ctx, "sandbox", result, err)
		}
		if ctx.Err() != nil {
			return domain.SandboxResult{}, err
		}
		logger.Error("attachment fetch failed, falling back to URL analysis",
			"job_id", req.EmailID, "filename", att.Filename, "error", err)
	}

	if len(req.URLs) > 0 {
		urls := req.URLs
		if len(urls) > maxURLsPerJob {
			urls = urls[:maxURLsPerJob]
		}
		result, err := w.urls.AnalyzeURLs(ctx, urls)
		return degrade(ctx, "url-reputation", result, err)
	}

	// Nothing to analyze; the gate routed the job here on score alone.
	return domain.SandboxResult{
		Verdict:  domain.VerdictClean,
		Score:    0,
		Details:  "No scannable content",
		Provider: "none",
	}, nil
}

// degrade converts an analyzer failure into a conservative unknown verdict.
// Context cancellation still propagates so a shutdown mid-analysis leaves
// the message pending for redelivery.
func degrade(ctx context.Context, provider string, result domain.SandboxResult, err error) (domain.SandboxResult, error) {
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return domain.SandboxResult{}, err
	}
	logger.Warn("analyzer failed, degrading to unknown", "provider", provider, "error", err)
	return domain.SandboxResult{
		Verdict:  domain.VerdictUnknown,
		Score:    50,
		Details:  fmt.Sprintf("analysis failed: %v", err),
		Provider: provider,
	}, nil
}

// pickAttachment returns the first attachment that can be fetched.
func pickAttachment(atts []domain.Attachment) *domain.Attachment {
	for i := range atts {
		if atts[i].AttachmentID != "" {
			return &atts[i]
		}
	}
	return nil
}
