package steps_test

import (
	"context"
	"encoding/json"
	"errors"
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
	"provisioner/internal/steps"
	"provisioner/internal/storage"
)

type testEnv struct {
	Runner  *jobs.Runner
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Storage *storage.Noop
	Ctx     context.Context
}

type options struct {
	endpoints steps.EndpointChecker
	storage   storage.Provisioner
}

func newTestEnv(t *testing.T, opts options) *testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn, dialect))
	r := repo.Repo{DB: conn, Dialect: dialect}
	writer := audit.Writer{Repo: r}
	l := ledger.Ledger{Repo: r}
	noop := storage.NewNoop()
	store := opts.storage
	if store == nil {
		store = noop
	}
	logger := zaptest.NewLogger(t)
	runner := &jobs.Runner{
		Repo:    r,
		Ledger:  l,
		Machine: statemachine.Machine{DB: conn, Repo: r, Audit: writer},
		Audit:   audit.BestEffort(logger, audit.StoreSink{Writer: writer}),
		Logger:  logger,
	}
	runner.Register(steps.All(steps.Deps{
		Repo:         r,
		Ledger:       l,
		Templates:    steps.CatalogSource{Sets: map[string][]string{"default": {"readme", "ci"}, "empty": {}}},
		Storage:      store,
		BucketPrefix: "tenant",
		Endpoints:    opts.endpoints,
	})...)
	return &testEnv{Runner: runner, Repo: r, Ledger: l, Storage: noop, Ctx: ctx}
}

func (e *testEnv) seed(t *testing.T, state domain.State, meta map[string]any, creds map[string]domain.VerificationStatus) string {
	t.Helper()
	id := uuid.NewString()
	ts := domain.FormatTime(time.Now())
	require.NoError(t, e.Repo.InsertProject(e.Ctx, nil, domain.Project{ID: id, OwnerID: "owner", State: state, Metadata: meta, CreatedAt: ts, UpdatedAt: ts}))
	for provider, status := range creds {
		_, err := e.Repo.UpsertCredential(e.Ctx, nil, domain.Credential{
			ID: uuid.NewString(), ProjectID: id, Provider: provider, Ciphertext: "enc", KeyVersion: 1,
			VerificationStatus: status, CreatedAt: ts, UpdatedAt: ts,
		})
		require.NoError(t, err)
	}
	return id
}

func (e *testEnv) project(t *testing.T, id string) domain.Project {
	t.Helper()
	p, err := e.Repo.GetProject(e.Ctx, id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) run(jt domain.JobType, id, tok string) (jobs.Response, error) {
	return e.Runner.Run(e.Ctx, jt, jobs.Request{ProjectID: id, CheckpointToken: tok})
}

func (e *testEnv) checkpointResult(t *testing.T, id string, jt domain.JobType, tok string) (domain.Checkpoint, map[string]any) {
	t.Helper()
	cp, err := e.Ledger.Lookup(e.Ctx, domain.CheckpointKey{ProjectID: id, JobType: jt, Token: tok})
	require.NoError(t, err)
	var out map[string]any
	if len(cp.ResultPayload) > 0 {
		require.NoError(t, json.Unmarshal(cp.ResultPayload, &out))
	}
	return cp, out
}

func codeOf(t *testing.T, err error) jobs.Code {
	t.Helper()
	var je *jobs.Error
	require.ErrorAs(t, err, &je)
	return je.Code
}

func TestStageTemplatesFromCreatedIsInvalidState(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateCreated, nil, nil)
	_, err := env.run(domain.JobStageTemplates, id, "tok")
	require.Equal(t, jobs.CodeInvalidState, codeOf(t, err))
	require.Equal(t, domain.StateCreated, env.project(t, id).State)
}

func TestStageTemplates(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateCredentialsSet, nil, nil)
	resp, err := env.run(domain.JobStageTemplates, id, "tok")
	require.NoError(t, err)
	require.Equal(t, steps.LabelStaged, resp.State)
	require.Equal(t, domain.StateStaging, env.project(t, id).State)
	_, result := env.checkpointResult(t, id, domain.JobStageTemplates, "tok")
	require.EqualValues(t, 2, result["staged_count"])

	empty := env.seed(t, domain.StateCredentialsSet, map[string]any{"template_set": "empty"}, nil)
	resp, err = env.run(domain.JobStageTemplates, empty, "tok")
	require.NoError(t, err)
	require.Contains(t, resp.Messages[0], "nothing staged")

	unknown := env.seed(t, domain.StateCredentialsSet, map[string]any{"template_set": "mystery"}, nil)
	_, err = env.run(domain.JobStageTemplates, unknown, "tok")
	require.Equal(t, jobs.CodeStagingFailed, codeOf(t, err))
	require.Equal(t, domain.StateFailed, env.project(t, unknown).State)
}

func TestApplyConfigWithVerifiedCredential(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateStaging, nil, map[string]domain.VerificationStatus{"github": domain.VerificationVerified})

	resp, err := env.run(domain.JobApplyConfig, id, "tok")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, steps.LabelConfigured, resp.State)
	require.Len(t, resp.NextToken, 64)
	require.NotEqual(t, "tok", resp.NextToken)
	require.Equal(t, domain.StateInstalling, env.project(t, id).State)

	cp, result := env.checkpointResult(t, id, domain.JobApplyConfig, "tok")
	require.Equal(t, domain.CheckpointCompleted, cp.Status)
	require.EqualValues(t, 1, result["success_count"])
	require.EqualValues(t, 0, result["failure_count"])
	require.Equal(t, resp.NextToken, *cp.NextToken)
}

func TestApplyConfigWithoutCredentialsSkips(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateStaging, nil, nil)

	resp, err := env.run(domain.JobApplyConfig, id, "tok")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, steps.LabelSkipped, resp.State)
	require.NotEmpty(t, resp.NextToken)
	require.Equal(t, domain.StateStaging, env.project(t, id).State)

	cp, _ := env.checkpointResult(t, id, domain.JobApplyConfig, "tok")
	require.Equal(t, domain.CheckpointSkipped, cp.Status)
}

func TestApplyConfigAllProvidersFail(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateStaging, nil, map[string]domain.VerificationStatus{
		"github":     domain.VerificationInvalid,
		"cloudflare": domain.VerificationExpired,
	})
	_, err := env.run(domain.JobApplyConfig, id, "tok")
	require.Equal(t, jobs.CodeConfigurationFailed, codeOf(t, err))
	p := env.project(t, id)
	require.Equal(t, domain.StateFailed, p.State)
	require.Contains(t, p.ErrorMessage, "github credential is invalid")
}

func TestApplyConfigPartialFailureSucceeds(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateStaging, nil, map[string]domain.VerificationStatus{
		"github":   domain.VerificationPending,
		"supabase": domain.VerificationExpired,
	})
	_, err := env.run(domain.JobApplyConfig, id, "tok")
	require.NoError(t, err)
	_, result := env.checkpointResult(t, id, domain.JobApplyConfig, "tok")
	require.EqualValues(t, 1, result["success_count"])
	require.EqualValues(t, 1, result["failure_count"])
}

func TestInitMemoryKeepsState(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateInstalling, nil, nil)
	resp, err := env.run(domain.JobInitMemory, id, "tok")
	require.NoError(t, err)
	require.Equal(t, steps.LabelInitialized, resp.State)
	require.Equal(t, domain.StateInstalling, env.project(t, id).State)
	_, result := env.checkpointResult(t, id, domain.JobInitMemory, "tok")
	require.Equal(t, true, result["created"])
	require.NoError(t, env.Storage.Probe(env.Ctx, storage.BucketName("tenant", id)))
}

type brokenStorage struct{}

func (*brokenStorage) Name() string { return "broken" }
func (*brokenStorage) EnsureBucket(context.Context, string) (bool, error) {
	return false, errors.New("quota exceeded")
}
func (*brokenStorage) Probe(context.Context, string) error { return errors.New("unreachable") }

func TestInitMemoryStorageFailure(t *testing.T) {
	env := newTestEnv(t, options{storage: &brokenStorage{}})
	id := env.seed(t, domain.StateInstalling, nil, nil)
	_, err := env.run(domain.JobInitMemory, id, "tok")
	require.Equal(t, jobs.CodeStorageInitFailed, codeOf(t, err))
	require.Equal(t, domain.StateFailed, env.project(t, id).State)
}

func TestPipelineRunsToComplete(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateCredentialsSet, nil, map[string]domain.VerificationStatus{"github": domain.VerificationVerified})

	results, err := jobs.Pipeline{Runner: env.Runner}.Run(env.Ctx, id, "")
	require.NoError(t, err)
	require.Len(t, results, 4)
	last := results[3]
	require.Equal(t, domain.JobValidate, last.JobType)
	require.Equal(t, steps.LabelComplete, last.Response.State)
	require.Empty(t, last.Response.NextToken)
	require.Equal(t, domain.StateComplete, env.project(t, id).State)

	transitions, err := env.Repo.LatestAudit(env.Ctx, id, domain.EventStateTransition, 10)
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	require.Equal(t, domain.StateValidated, *transitions[0].PreviousState)
	require.Equal(t, domain.StateComplete, *transitions[0].NewState)

	_, result := env.checkpointResult(t, id, domain.JobValidate, results[3].Token)
	require.Equal(t, true, result["passed"])

	again, err := jobs.Pipeline{Runner: env.Runner}.Run(env.Ctx, id, results[0].Token)
	require.NoError(t, err)
	for i, step := range again {
		require.Equal(t, jobs.StateAlreadyComplete, step.Response.State)
		require.Equal(t, results[i].Response.NextToken, step.Response.NextToken)
	}
}

func TestValidateCriticalFailure(t *testing.T) {
	env := newTestEnv(t, options{})
	id := env.seed(t, domain.StateInstalling, nil, map[string]domain.VerificationStatus{
		"github":     domain.VerificationExpired,
		"cloudflare": domain.VerificationPending,
	})

	_, err := env.run(domain.JobValidate, id, "tok")
	require.Equal(t, jobs.CodeValidationFailed, codeOf(t, err))
	var je *jobs.Error
	require.ErrorAs(t, err, &je)
	require.Contains(t, je.Message, "github credential is expired")
	require.Contains(t, je.Message, "stage_templates has not completed")
	require.Contains(t, je.Message, "; ")
	require.NotContains(t, je.Message, "cloudflare")

	p := env.project(t, id)
	require.Equal(t, domain.StateFailed, p.State)
	require.Equal(t, je.Message, p.ErrorMessage)

	cp, err := env.Ledger.Lookup(env.Ctx, domain.CheckpointKey{ProjectID: id, JobType: domain.JobValidate, Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointFailed, cp.Status)
	var details map[string]any
	require.NoError(t, json.Unmarshal(cp.ErrorDetails, &details))
	require.Equal(t, false, details["passed"])
}

type downEndpoints struct{}

func (downEndpoints) Check(context.Context, domain.Project) error { return errors.New("dns not propagated") }

func TestValidateNonCriticalWarnings(t *testing.T) {
	env := newTestEnv(t, options{endpoints: downEndpoints{}})
	id := env.seed(t, domain.StateCredentialsSet, nil, map[string]domain.VerificationStatus{"github": domain.VerificationVerifying})

	results, err := jobs.Pipeline{Runner: env.Runner}.Run(env.Ctx, id, "start")
	require.NoError(t, err)
	validate := results[len(results)-1].Response
	require.Equal(t, steps.LabelComplete, validate.State)
	require.Contains(t, validate.Messages, "endpoint check failed: dns not propagated")
	require.Contains(t, validate.Messages, "github credential is not yet verified (verifying)")
	require.Equal(t, domain.StateComplete, env.project(t, id).State)
}
