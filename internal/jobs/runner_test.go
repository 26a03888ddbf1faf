package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"provisioner/internal/audit"
	"provisioner/internal/db"
	"provisioner/internal/domain"
	"provisioner/internal/jobs"
	"provisioner/internal/ledger"
	"provisioner/internal/migrate"
	"provisioner/internal/repo"
	"provisioner/internal/statemachine"
	"provisioner/internal/telemetry"
)

type testEnv struct {
	Runner *jobs.Runner
	Repo   repo.Repo
	Ledger ledger.Ledger
	Ctx    context.Context
	calls  atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn, dialect))
	r := repo.Repo{DB: conn, Dialect: dialect}
	writer := audit.Writer{Repo: r}
	l := ledger.Ledger{Repo: r}
	logger := zaptest.NewLogger(t)
	env := &testEnv{Repo: r, Ledger: l, Ctx: ctx}
	env.Runner = &jobs.Runner{
		Repo:     r,
		Ledger:   l,
		Machine:  statemachine.Machine{DB: conn, Repo: r, Audit: writer},
		Audit:    audit.BestEffort(logger, audit.StoreSink{Writer: writer}),
		ClaimTTL: time.Minute,
		Metrics:  telemetry.NewMetrics(),
		Logger:   logger,
	}
	return env
}

func (e *testEnv) seed(t *testing.T, state domain.State) string {
	t.Helper()
	id := uuid.NewString()
	ts := domain.FormatTime(time.Now())
	require.NoError(t, e.Repo.InsertProject(e.Ctx, nil, domain.Project{ID: id, OwnerID: "owner", State: state, CreatedAt: ts, UpdatedAt: ts}))
	return id
}

func (e *testEnv) state(t *testing.T, id string) domain.State {
	t.Helper()
	p, err := e.Repo.GetProject(e.Ctx, id)
	require.NoError(t, err)
	return p.State
}

func (e *testEnv) auditCount(t *testing.T, id string) int {
	t.Helper()
	n, err := e.Repo.CountAudit(e.Ctx, id, "")
	require.NoError(t, err)
	return n
}

// countingStep enters staging from credentials_set and counts executions.
func (e *testEnv) countingStep(delay time.Duration, result error) jobs.Step {
	return jobs.Step{
		JobType:     domain.JobStageTemplates,
		Requires:    []domain.State{domain.StateCredentialsSet},
		Enter:       domain.StateStaging,
		FailureCode: jobs.CodeStagingFailed,
		Label:       "stage-complete",
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			e.calls.Add(1)
			time.Sleep(delay)
			if result != nil {
				return jobs.Outcome{}, result
			}
			return jobs.Outcome{Result: map[string]any{"staged_count": 2}, Messages: []string{"staged"}}, nil
		},
	}
}

func codeOf(t *testing.T, err error) jobs.Code {
	t.Helper()
	var je *jobs.Error
	require.ErrorAs(t, err, &je)
	return je.Code
}

func TestRejectsMalformedRequests(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, nil))
	id := env.seed(t, domain.StateCredentialsSet)

	cases := map[string]struct {
		job domain.JobType
		req jobs.Request
	}{
		"missing project":  {domain.JobStageTemplates, jobs.Request{CheckpointToken: "t"}},
		"non uuid project": {domain.JobStageTemplates, jobs.Request{ProjectID: "abc", CheckpointToken: "t"}},
		"missing token":    {domain.JobStageTemplates, jobs.Request{ProjectID: id}},
		"long token":       {domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: strings.Repeat("x", 257)}},
		"unknown job":      {domain.JobType("deploy"), jobs.Request{ProjectID: id, CheckpointToken: "t"}},
	}
	for name, tc := range cases {
		_, err := env.Runner.Run(env.Ctx, tc.job, tc.req)
		require.Equal(t, jobs.CodeInvalidRequest, codeOf(t, err), name)
	}
	require.Zero(t, env.calls.Load())
	require.Zero(t, env.auditCount(t, id))
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, nil))
	_, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: uuid.NewString(), CheckpointToken: "t"})
	require.Equal(t, jobs.CodeNotFound, codeOf(t, err))
}

func TestWrongStateLeavesProjectUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, nil))
	id := env.seed(t, domain.StateCreated)

	_, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.Equal(t, jobs.CodeInvalidState, codeOf(t, err))
	require.Equal(t, 400, jobs.HTTPStatus(jobs.CodeInvalidState))
	require.Equal(t, domain.StateCreated, env.state(t, id))
	require.Zero(t, env.calls.Load())
	require.Zero(t, env.auditCount(t, id))
	_, err = env.Ledger.Lookup(env.Ctx, domain.CheckpointKey{ProjectID: id, JobType: domain.JobStageTemplates, Token: "tok"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReplayReturnsStoredResult(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, nil))
	id := env.seed(t, domain.StateCredentialsSet)
	req := jobs.Request{ProjectID: id, CheckpointToken: "tok"}

	first, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.Equal(t, "stage-complete", first.State)
	require.Len(t, first.NextToken, 64)
	require.Equal(t, domain.StateStaging, env.state(t, id))
	audits := env.auditCount(t, id)
	require.Equal(t, 2, audits, "one transition and one step_completed")

	second, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.Equal(t, jobs.StateAlreadyComplete, second.State)
	require.Equal(t, first.NextToken, second.NextToken)
	require.JSONEq(t, `{"staged_count":2}`, string(second.CachedResult))
	require.Equal(t, int64(1), env.calls.Load())
	require.Equal(t, audits, env.auditCount(t, id))
}

func TestConcurrentCallsExecuteOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(50*time.Millisecond, nil))
	id := env.seed(t, domain.StateCredentialsSet)
	req := jobs.Request{ProjectID: id, CheckpointToken: "same-token"}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		codes     []jobs.Code
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var je *jobs.Error
				if errors.As(err, &je) {
					codes = append(codes, je.Code)
				}
				return
			}
			if resp.Success {
				successes++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), env.calls.Load())
	require.GreaterOrEqual(t, successes, 1)
	for _, c := range codes {
		require.Equal(t, jobs.CodeCheckpointInProgress, c)
	}
	require.Equal(t, domain.StateStaging, env.state(t, id))
	n, err := env.Repo.CountAudit(env.Ctx, id, domain.EventStepCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDuplicateDuringExecutionIsInProgress(t *testing.T) {
	env := newTestEnv(t)
	step := env.countingStep(0, nil)
	inner := step.Execute
	var dupErr error
	step.Execute = func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
		// The project already sits in staging here, outside the step's Requires.
		_, dupErr = env.Runner.Run(ctx, domain.JobStageTemplates, jobs.Request{ProjectID: sc.Key.ProjectID, CheckpointToken: sc.Key.Token})
		return inner(ctx, sc)
	}
	env.Runner.Register(step)
	id := env.seed(t, domain.StateCredentialsSet)
	req := jobs.Request{ProjectID: id, CheckpointToken: "dup"}

	resp, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, jobs.CodeCheckpointInProgress, codeOf(t, dupErr))

	again, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.NoError(t, err)
	require.Equal(t, jobs.StateAlreadyComplete, again.State)
	require.Equal(t, resp.NextToken, again.NextToken)
	require.Equal(t, int64(1), env.calls.Load())
}

// closingStep mirrors validate: installing -> validated, then complete.
func (e *testEnv) closingStep() jobs.Step {
	return jobs.Step{
		JobType:     domain.JobValidate,
		Requires:    []domain.State{domain.StateInstalling, domain.StateValidated},
		Enter:       domain.StateValidated,
		OnSuccess:   domain.StateComplete,
		Terminal:    true,
		FailureCode: jobs.CodeValidationFailed,
		Label:       "validation-complete",
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			e.calls.Add(1)
			return jobs.Outcome{Result: map[string]any{"passed": true}}, nil
		},
	}
}

func TestStaleClaimAfterFinalTransitionIsCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.closingStep())
	id := env.seed(t, domain.StateComplete)
	key := domain.CheckpointKey{ProjectID: id, JobType: domain.JobValidate, Token: "tok"}
	old := domain.FormatTime(time.Now().Add(-time.Hour))
	won, err := env.Repo.ClaimCheckpoint(env.Ctx, key, old, old)
	require.NoError(t, err)
	require.True(t, won)

	resp, err := env.Runner.Run(env.Ctx, domain.JobValidate, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "validation-complete", resp.State)
	require.Empty(t, resp.NextToken)
	require.Equal(t, int64(1), env.calls.Load())
	require.Equal(t, domain.StateComplete, env.state(t, id))

	cp, err := env.Ledger.Lookup(env.Ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointCompleted, cp.Status)
	require.JSONEq(t, `{"passed":true}`, string(cp.ResultPayload))
}

func TestFreshClaimAfterFinalTransitionIsInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.closingStep())
	id := env.seed(t, domain.StateComplete)
	key := domain.CheckpointKey{ProjectID: id, JobType: domain.JobValidate, Token: "tok"}
	now := domain.FormatTime(time.Now())
	_, err := env.Repo.ClaimCheckpoint(env.Ctx, key, now, now)
	require.NoError(t, err)

	_, err = env.Runner.Run(env.Ctx, domain.JobValidate, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.Equal(t, jobs.CodeCheckpointInProgress, codeOf(t, err))
	require.Zero(t, env.calls.Load())

	_, err = env.Runner.Run(env.Ctx, domain.JobValidate, jobs.Request{ProjectID: id, CheckpointToken: "other"})
	require.Equal(t, jobs.CodeInvalidState, codeOf(t, err))
}

func TestDomainFailureMovesProjectToFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, jobs.Fail(map[string]any{"template_set": "x"}, "unknown template set", "second reason")))
	id := env.seed(t, domain.StateCredentialsSet)
	key := domain.CheckpointKey{ProjectID: id, JobType: domain.JobStageTemplates, Token: "tok"}

	_, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.Equal(t, jobs.CodeStagingFailed, codeOf(t, err))
	var je *jobs.Error
	require.ErrorAs(t, err, &je)
	require.Equal(t, "unknown template set; second reason", je.Message)

	p, err := env.Repo.GetProject(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, p.State)
	require.Equal(t, "unknown template set; second reason", p.ErrorMessage)

	cp, err := env.Ledger.Lookup(env.Ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointFailed, cp.Status)
	require.Contains(t, string(cp.ErrorDetails), "staging_failed")

	n, err := env.Repo.CountAudit(env.Ctx, id, domain.EventStepFailed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInternalErrorKeepsClaim(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, errors.New("disk on fire")))
	id := env.seed(t, domain.StateCredentialsSet)
	req := jobs.Request{ProjectID: id, CheckpointToken: "tok"}

	_, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.Equal(t, jobs.CodeInternal, codeOf(t, err))
	require.NotContains(t, err.Error(), "disk on fire")

	cp, err := env.Ledger.Lookup(env.Ctx, domain.CheckpointKey{ProjectID: id, JobType: domain.JobStageTemplates, Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointInProgress, cp.Status)

	// staging now; the retry is rejected by the state precondition before the claim.
	_, err = env.Runner.Run(env.Ctx, domain.JobStageTemplates, req)
	require.Equal(t, jobs.CodeInvalidState, codeOf(t, err))
}

func TestInProgressClaimRejectsRetry(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Register(env.countingStep(0, nil))
	id := env.seed(t, domain.StateCredentialsSet)
	key := domain.CheckpointKey{ProjectID: id, JobType: domain.JobStageTemplates, Token: "tok"}
	claimed, _, err := env.Ledger.Claim(env.Ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.Equal(t, jobs.CodeCheckpointInProgress, codeOf(t, err))
	require.Equal(t, 409, jobs.HTTPStatus(jobs.CodeCheckpointInProgress))
	require.Zero(t, env.calls.Load())
}

func TestSkipRecordsSkippedCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	step := env.countingStep(0, nil)
	step.SkipLabel = "config-skipped"
	step.ShouldSkip = func(context.Context, domain.Project) (bool, string, error) {
		return true, "nothing to configure", nil
	}
	env.Runner.Register(step)
	id := env.seed(t, domain.StateCredentialsSet)

	resp, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "config-skipped", resp.State)
	require.NotEmpty(t, resp.NextToken)
	require.Equal(t, []string{"nothing to configure"}, resp.Messages)
	require.Zero(t, env.calls.Load())
	require.Equal(t, domain.StateCredentialsSet, env.state(t, id))

	cp, err := env.Ledger.Lookup(env.Ctx, domain.CheckpointKey{ProjectID: id, JobType: domain.JobStageTemplates, Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointSkipped, cp.Status)

	again, err := env.Runner.Run(env.Ctx, domain.JobStageTemplates, jobs.Request{ProjectID: id, CheckpointToken: "tok"})
	require.NoError(t, err)
	require.Equal(t, jobs.StateAlreadyComplete, again.State)
	require.Equal(t, resp.NextToken, again.NextToken)
}

func TestErrorResponseShape(t *testing.T) {
	resp := jobs.ErrorResponse(jobs.Errorf(jobs.CodeNotFound, "project %s not found", "p"))
	require.False(t, resp.Success)
	require.Equal(t, jobs.CodeNotFound, resp.Error.Code)
	require.Equal(t, []string{"project p not found"}, resp.Messages)

	resp = jobs.ErrorResponse(errors.New("raw"))
	require.Equal(t, jobs.CodeInternal, resp.Error.Code)
}

func TestNewTokenIsHex64(t *testing.T) {
	a, err := jobs.NewToken()
	require.NoError(t, err)
	b, err := jobs.NewToken()
	require.NoError(t, err)
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
	require.Equal(t, strings.Trim(a, "0123456789abcdef"), "")
}
