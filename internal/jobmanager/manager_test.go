package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobRepo struct {
	mu           sync.Mutex
	jobs         map[string]*domain.Job
	byIdemKey    map[string]string
	createCalls  int
	updateCalls  int
	advanceCalls int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.Job), byIdemKey: make(map[string]string)}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	cp := *job
	cp.CreatedAt = time.Now().UTC()
	f.jobs[cp.JobUUID] = &cp
	if cp.IdempotencyKey != "" {
		f.byIdemKey[cp.IdempotencyKey] = cp.JobUUID
	}
	out := cp
	return &out, nil
}

func (f *fakeJobRepo) GetByUUID(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobUUID]
	if !ok || j.OrgID != orgID {
		return nil, domain.ErrJobNotFound
	}
	out := *j
	return &out, nil
}

func (f *fakeJobRepo) GetByJobUUID(ctx context.Context, jobUUID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobUUID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := *j
	return &out, nil
}

func (f *fakeJobRepo) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.OrgID != input.OrgID {
			continue
		}
		if input.Status != "" && j.Status != input.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeJobRepo) Update(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if _, ok := f.jobs[job.JobUUID]; !ok {
		return domain.ErrJobNotFound
	}
	cp := *job
	f.jobs[job.JobUUID] = &cp
	return nil
}

func (f *fakeJobRepo) Delete(ctx context.Context, orgID, jobUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobUUID)
	return nil
}

func (f *fakeJobRepo) FindByFingerprint(ctx context.Context, orgID, fingerprint string, since time.Time) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.OrgID == orgID && j.JobFingerprint == fingerprint && !j.CreatedAt.Before(since) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) FindByIdempotencyKey(ctx context.Context, orgID, key string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uuid, ok := f.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	j, ok := f.jobs[uuid]
	if !ok || j.OrgID != orgID {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func (f *fakeJobRepo) AdvanceAfterExecution(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceCalls++
	cp := *job
	f.jobs[job.JobUUID] = &cp
	return nil
}

type fakeExecRepo struct {
	mu   sync.Mutex
	byID map[string][]*domain.Execution
}

func newFakeExecRepo() *fakeExecRepo {
	return &fakeExecRepo{byID: make(map[string][]*domain.Execution)}
}

func (f *fakeExecRepo) Open(ctx context.Context, exec *domain.Execution) (*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[exec.JobUUID] = append(f.byID[exec.JobUUID], exec)
	return exec, nil
}

func (f *fakeExecRepo) Close(ctx context.Context, exec *domain.Execution) error { return nil }

func (f *fakeExecRepo) ListByJobUUID(ctx context.Context, orgID, jobUUID string, limit int) ([]*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[jobUUID], nil
}

type fakePlanner struct {
	nextFire       time.Time
	nextFireErr    error
	firstFire      time.Time
	firstFireErr   error
	validateErr    error
	cronExpr       string
	buildCronErr   error
}

func (p *fakePlanner) ValidateSchedule(j *domain.Job) error { return p.validateErr }

func (p *fakePlanner) PlanFirstFire(j *domain.Job, now time.Time) (time.Time, error) {
	if p.firstFireErr != nil {
		return time.Time{}, p.firstFireErr
	}
	if !p.firstFire.IsZero() {
		return p.firstFire, nil
	}
	return now.Add(time.Hour), nil
}

func (p *fakePlanner) BuildCronExpression(r *domain.RecurringSchedule, userTimezone string) (string, error) {
	if p.buildCronErr != nil {
		return "", p.buildCronErr
	}
	if p.cronExpr != "" {
		return p.cronExpr, nil
	}
	return "0 9 * * *", nil
}

func (p *fakePlanner) NextFire(cronExpr string, fromInstant time.Time, endDate *time.Time, userTimezone string) (time.Time, error) {
	if p.nextFireErr != nil {
		return time.Time{}, p.nextFireErr
	}
	if !p.nextFire.IsZero() {
		return p.nextFire, nil
	}
	return fromInstant.Add(24 * time.Hour), nil
}

func (p *fakePlanner) NextNFires(cronExpr string, n int, fromInstant time.Time, endDate *time.Time, userTimezone string) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fromInstant.Add(time.Duration(i+1)*24*time.Hour))
	}
	return out, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	scheduled map[string]*domain.Job
	canceled  []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]*domain.Job)}
}

func (q *fakeQueue) Schedule(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.scheduled[job.JobUUID] = &cp
	return nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = append(q.canceled, jobUUID)
	delete(q.scheduled, jobUUID)
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newManager(t *testing.T) (*Manager, *fakeJobRepo, *fakeExecRepo, *fakeQueue, *fakePlanner) {
	t.Helper()
	jobs := newFakeJobRepo()
	execs := newFakeExecRepo()
	queue := newFakeQueue()
	planner := &fakePlanner{}
	m := New(jobs, execs, planner, queue, DuplicateConfig{Enabled: true, DuplicateWindow: time.Hour}, fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	return m, jobs, execs, queue, planner
}

func baseRequest() CreateRequest {
	return CreateRequest{
		ProjectID: "proj-1",
		Name:      "nightly digest",
		Prompt:    "summarize the day",
		TargetAPI: "https://api.example.com/run",
		ScheduleType: domain.ScheduleOnce,
		OneTime:   &domain.OneTimeSchedule{DateTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		UserTimezone: "UTC",
	}
}

func TestCreate_PersistsAndEnqueues(t *testing.T) {
	m, jobs, _, queue, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1", UserID: "user-1"}

	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, job.Status)
	assert.Equal(t, 1, jobs.createCalls)
	assert.Contains(t, queue.scheduled, job.JobUUID)
}

func TestCreate_RejectsDuplicateIdempotencyKey(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1", UserID: "user-1"}
	req := baseRequest()
	req.IdempotencyKey = "idem-1"

	_, err := m.Create(context.Background(), req, access)
	require.NoError(t, err)

	req2 := baseRequest()
	req2.IdempotencyKey = "idem-1"
	req2.OneTime = &domain.OneTimeSchedule{DateTime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)}
	_, err = m.Create(context.Background(), req2, access)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestCreate_RejectsDuplicateFingerprintWithinWindow(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1", UserID: "user-1"}

	_, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), baseRequest(), access)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestCreate_RejectsEmptyPrompt(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	req := baseRequest()
	req.Prompt = ""
	_, err := m.Create(context.Background(), req, domain.AccessContext{OrgID: "org-1"})
	require.Error(t, err)
}

func TestPauseThenResume(t *testing.T) {
	m, _, _, queue, planner := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	paused, err := m.Pause(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)
	assert.Contains(t, queue.canceled, job.JobUUID)

	_, err = m.Pause(context.Background(), access.OrgID, job.JobUUID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	planner.firstFire = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	resumed, err := m.Resume(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Equal(t, planner.firstFire, resumed.NextRunAt)
}

func TestUpdate_RejectsEditOnTerminalJob(t *testing.T) {
	m, jobs, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	done := *job
	done.Status = domain.StatusCompleted
	require.NoError(t, jobs.Update(context.Background(), &done))

	name := "renamed"
	_, err = m.Update(context.Background(), access.OrgID, job.JobUUID, UpdatePatch{Name: &name})
	assert.ErrorIs(t, err, domain.ErrTerminal)
}

func TestAdvance_FailureCapTransitionsToFailed(t *testing.T) {
	m, jobs, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	req := baseRequest()
	req.ScheduleType = domain.ScheduleRecurring
	req.OneTime = nil
	req.Recurring = &domain.RecurringSchedule{Frequency: domain.FrequencyDaily, Time: "09:00", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	job, err := m.Create(context.Background(), req, access)
	require.NoError(t, err)

	for i := 0; i < domain.MaxConsecutiveFailures; i++ {
		require.NoError(t, m.Advance(context.Background(), job, AdvanceOutcome{Success: false}))
	}
	stored, err := jobs.GetByUUID(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.MaxConsecutiveFailures, stored.ConsecutiveFailures)
}

func TestAdvance_OnceScheduleCompletesOnSuccess(t *testing.T) {
	m, jobs, _, queue, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)
	// The worker's claim has already taken the fired token off the queue.
	delete(queue.scheduled, job.JobUUID)

	require.NoError(t, m.Advance(context.Background(), job, AdvanceOutcome{Success: true}))

	stored, err := jobs.GetByUUID(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.NotContains(t, queue.scheduled, job.JobUUID)
}

func TestRetry_ResetsFailureCountAndReactivates(t *testing.T) {
	m, jobs, _, queue, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	req := baseRequest()
	req.ScheduleType = domain.ScheduleRecurring
	req.OneTime = nil
	req.Recurring = &domain.RecurringSchedule{Frequency: domain.FrequencyDaily, Time: "09:00", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	job, err := m.Create(context.Background(), req, access)
	require.NoError(t, err)

	for i := 0; i < domain.MaxConsecutiveFailures; i++ {
		require.NoError(t, m.Advance(context.Background(), job, AdvanceOutcome{Success: false}))
	}

	retried, err := m.Retry(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, retried.Status)
	assert.Equal(t, 0, retried.ConsecutiveFailures)
	assert.Contains(t, queue.scheduled, job.JobUUID)

	stored, err := jobs.GetByUUID(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
}

func TestRetry_RejectsNonFailedJob(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	_, err = m.Retry(context.Background(), access.OrgID, job.JobUUID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDelete_CancelsQueueToken(t *testing.T) {
	m, jobs, _, queue, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), access.OrgID, job.JobUUID))
	assert.Contains(t, queue.canceled, job.JobUUID)
	_, err = jobs.GetByUUID(context.Background(), access.OrgID, job.JobUUID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestTriggerNow_DoesNotMutateStoredNextRunAt(t *testing.T) {
	m, jobs, _, queue, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)
	original := job.NextRunAt

	require.NoError(t, m.TriggerNow(context.Background(), access.OrgID, job.JobUUID))

	stored, err := jobs.GetByUUID(context.Background(), access.OrgID, job.JobUUID)
	require.NoError(t, err)
	assert.Equal(t, original, stored.NextRunAt)
	assert.Contains(t, queue.scheduled, job.JobUUID)
}

func TestTriggerNow_OpensManualExecution(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	require.NoError(t, m.TriggerNow(context.Background(), access.OrgID, job.JobUUID))

	history, err := m.History(context.Background(), access.OrgID, job.JobUUID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecutionQueued, history[0].Status)
}

func TestPreviewNextRuns_RecurringReturnsNFutureFires(t *testing.T) {
	m, _, _, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	req := baseRequest()
	req.ScheduleType = domain.ScheduleRecurring
	req.OneTime = nil
	req.Recurring = &domain.RecurringSchedule{Frequency: domain.FrequencyDaily, Time: "09:00", StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	job, err := m.Create(context.Background(), req, access)
	require.NoError(t, err)

	runs, err := m.PreviewNextRuns(context.Background(), access.OrgID, job.JobUUID, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestHistory_ReturnsExecutionsForJob(t *testing.T) {
	m, _, execs, _, _ := newManager(t)
	access := domain.AccessContext{OrgID: "org-1"}
	job, err := m.Create(context.Background(), baseRequest(), access)
	require.NoError(t, err)

	_, err = execs.Open(context.Background(), &domain.Execution{ExecutionUUID: "e1", JobUUID: job.JobUUID, OrgID: access.OrgID})
	require.NoError(t, err)

	history, err := m.History(context.Background(), access.OrgID, job.JobUUID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
