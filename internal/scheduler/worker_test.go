package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/responseprocessor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorker() *Worker {
	return &Worker{
		processor: responseprocessor.New(nil),
		logger:    slog.Default(),
	}
}

func TestApplyResult_SuccessMarksExecutionSuccess(t *testing.T) {
	w := testWorker()
	job := &domain.Job{JobUUID: "j1", Response: domain.ResponseConfig{MaxSizeBytes: 1 << 20}}
	exec := &domain.Execution{ExecutionUUID: "e1"}
	result := CalloutResult{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`), Headers: http.Header{"Content-Type": []string{"application/json"}}}

	ok := w.applyResult(context.Background(), job, exec, result)
	assert.True(t, ok)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)
	require.NotNil(t, exec.Response)
	assert.Equal(t, http.StatusOK, exec.Response.StatusCode)
}

func TestApplyResult_NonSuccessStatusFails(t *testing.T) {
	w := testWorker()
	job := &domain.Job{JobUUID: "j1", Response: domain.ResponseConfig{MaxSizeBytes: 1 << 20}}
	exec := &domain.Execution{ExecutionUUID: "e1"}
	result := CalloutResult{StatusCode: http.StatusInternalServerError, Body: []byte(`{}`)}

	ok := w.applyResult(context.Background(), job, exec, result)
	assert.False(t, ok)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.True(t, exec.Error.Retryable)
}

func TestApplyResult_TransportErrorFails(t *testing.T) {
	w := testWorker()
	job := &domain.Job{JobUUID: "j1"}
	exec := &domain.Execution{ExecutionUUID: "e1"}
	result := CalloutResult{Err: assertError{"dial tcp: connection refused"}}

	ok := w.applyResult(context.Background(), job, exec, result)
	assert.False(t, ok)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.True(t, exec.Error.Retryable)
}

func TestApplyResult_RateLimitedMarksExecutionRateLimited(t *testing.T) {
	w := testWorker()
	job := &domain.Job{JobUUID: "j1"}
	exec := &domain.Execution{ExecutionUUID: "e1"}
	result := CalloutResult{StatusCode: http.StatusTooManyRequests}

	ok := w.applyResult(context.Background(), job, exec, result)
	assert.False(t, ok)
	assert.Equal(t, domain.ExecutionRateLimited, exec.Status)
}

func TestFlattenHeaders_CollapsesToFirstValue(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "42")
	out := flattenHeaders(h)
	assert.Equal(t, "42", out["X-Ratelimit-Remaining"])
}

func TestFlattenHeaders_NilIsNil(t *testing.T) {
	assert.Nil(t, flattenHeaders(nil))
}

func TestParseRetryAfterHeader_SecondsForm(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	got := parseRetryAfterHeader(h)
	require.NotNil(t, got)
}

func TestParseRetryAfterHeader_AbsentReturnsNil(t *testing.T) {
	assert.Nil(t, parseRetryAfterHeader(http.Header{}))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

type fakeRecorder struct {
	calls []bool
}

func (f *fakeRecorder) RecordExecution(success bool, duration time.Duration) {
	f.calls = append(f.calls, success)
}

func TestWithRecorder_AttachesRecorder(t *testing.T) {
	w := testWorker()
	rec := &fakeRecorder{}
	got := w.WithRecorder(rec)
	assert.Same(t, w, got)
	assert.Same(t, rec, w.recorder)
}
