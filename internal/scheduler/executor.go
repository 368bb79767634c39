package scheduler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/requestid"
)

// ExecutorConfig bounds the outbound HTTP call (spec §4.5 step 4).
type ExecutorConfig struct {
	Timeout         time.Duration
	MaxRedirects    int
	MaxResponseSize int64
}

func defaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:         30 * time.Second,
		MaxRedirects:    5,
		MaxResponseSize: 10 << 20, // 10 MiB
	}
}

// Executor performs the single HTTP callout a job fire makes (spec §4.5
// step 4: "POST to targetApi with the egress headers and prompt body").
type Executor struct {
	client *http.Client
	logger *slog.Logger
	cfg    ExecutorConfig
}

func NewExecutor(logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg = defaultExecutorConfig()
	}
	return &Executor{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
				}
				return nil
			},
		},
		logger: logger.With("component", "executor"),
		cfg:    cfg,
	}
}

// CalloutResult is the raw outcome of one HTTP fire, before response
// processing (spec §4.5 step 4/5).
type CalloutResult struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Err        error
	Truncated  bool // body was cut off at MaxResponseSize before processing
}

// defaultCalloutModel is used when the job's metadata doesn't name one
// (spec §4.5 step 4: "model (from metadata or a default)").
const defaultCalloutModel = "gpt-4o-mini"

// calloutBody is the JSON envelope sent to targetApi (spec §4.5 step 4).
type calloutBody struct {
	Prompt    string         `json:"prompt"`
	ProjectID string         `json:"projectId"`
	Model     string         `json:"model,omitempty"`
	Context   map[string]any `json:"context"`
}

// buildCalloutContext assembles the context object per spec §4.5 step 4:
// the fixed identity/scheduling fields plus any metadata entries not
// already consumed elsewhere in the envelope, passed through verbatim.
func buildCalloutContext(job *domain.Job) map[string]any {
	ctx := map[string]any{
		"jobId":                job.ID,
		"jobUuid":              job.JobUUID,
		"userId":               job.CreatedBy,
		"orgId":                job.OrgID,
		"skillId":              job.SkillID,
		"isScheduledExecution": true,
		"timezone":             job.UserTimezone,
	}
	for k, v := range job.Metadata {
		if k == "model" || k == "projectId" {
			continue
		}
		if _, reserved := ctx[k]; reserved {
			continue
		}
		ctx[k] = v
	}
	return ctx
}

// Run sends the egress HTTP request for one execution attempt.
func (e *Executor) Run(ctx context.Context, job *domain.Job, exec *domain.Execution) CalloutResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	projectID, _ := job.Metadata["projectId"].(string)
	model, ok := job.Metadata["model"].(string)
	if !ok || model == "" {
		model = defaultCalloutModel
	}

	payload := calloutBody{
		Prompt:    job.Prompt,
		ProjectID: projectID,
		Model:     model,
		Context:   buildCalloutContext(job),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return CalloutResult{Err: fmt.Errorf("marshal callout body: %w", err), Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetAPI, bytes.NewReader(raw))
	if err != nil {
		return CalloutResult{Err: fmt.Errorf("build request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Original-User", job.CreatedBy)
	if job.SkillID != "" {
		req.Header.Set("X-Skill-Id", job.SkillID)
	}
	// Caller headers may override anything set above, but not the three set
	// below (spec §6 egress: "may override any but X-Cron-Job-Id and X-Source").
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	reqID := requestid.New()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("X-Cron-Job-Id", job.JobUUID)
	req.Header.Set("X-Source", "cron-scheduler")
	ctx = requestid.WithRequestID(ctx, reqID)

	e.logger.InfoContext(ctx, "sending callout",
		"job_uuid", job.JobUUID,
		"execution_uuid", exec.ExecutionUUID,
		"target_api", job.TargetAPI,
	)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.ErrorContext(ctx, "callout failed",
			"job_uuid", job.JobUUID,
			"error", err,
			"duration", time.Since(start),
		)
		return CalloutResult{Err: fmt.Errorf("do request: %w", err), Duration: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, e.cfg.MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return CalloutResult{Err: fmt.Errorf("read response body: %w", err), Duration: time.Since(start)}
	}
	truncated := int64(len(body)) > e.cfg.MaxResponseSize
	if truncated {
		body = body[:e.cfg.MaxResponseSize]
	}

	duration := time.Since(start)
	e.logger.InfoContext(ctx, "received callout response",
		"job_uuid", job.JobUUID,
		"status", resp.StatusCode,
		"duration", duration,
		"bytes", len(body),
	)

	return CalloutResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Duration:   duration,
		Truncated:  truncated,
	}
}
