package statemachine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"provisioner/internal/audit"
	"provisioner/internal/db"
	"provisioner/internal/domain"
	"provisioner/internal/migrate"
	"provisioner/internal/repo"
	"provisioner/internal/statemachine"
	"provisioner/internal/telemetry"
)

type testEnv struct {
	Machine statemachine.Machine
	Repo    repo.Repo
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn, dialect))
	r := repo.Repo{DB: conn, Dialect: dialect}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Machine: statemachine.Machine{DB: conn, Repo: r, Audit: audit.Writer{Repo: r, Now: now}, Metrics: telemetry.NewMetrics(), Now: now},
		Repo:    r,
		Ctx:     ctx,
	}
}

func (e testEnv) seed(t *testing.T, id string, state domain.State) {
	t.Helper()
	ts := "2024-01-01T00:00:00.000000Z"
	require.NoError(t, e.Repo.InsertProject(e.Ctx, nil, domain.Project{ID: id, OwnerID: "owner", State: state, CreatedAt: ts, UpdatedAt: ts}))
}

func TestAllowedTable(t *testing.T) {
	require.True(t, statemachine.Allowed(domain.StateCreated, domain.StateCredentialsSet))
	require.True(t, statemachine.Allowed(domain.StateFailed, domain.StateCreated))
	require.True(t, statemachine.Allowed(domain.StateComplete, domain.StateComplete))
	require.False(t, statemachine.Allowed(domain.StateComplete, domain.StateFailed))
	require.False(t, statemachine.Allowed(domain.StateCreated, domain.StateStaging))
	require.False(t, statemachine.Allowed(domain.State("bogus"), domain.StateCreated))
	require.Empty(t, statemachine.Targets(domain.StateComplete))

	err := statemachine.Validate(domain.StateStaging, domain.StateComplete)
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	var ite *statemachine.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, domain.StateStaging, ite.From)
	require.Equal(t, domain.StateComplete, ite.To)
}

func TestEveryPairOfStates(t *testing.T) {
	env := newTestEnv(t)
	for _, from := range domain.States {
		for _, to := range domain.States {
			id := fmt.Sprintf("%s-%s", from, to)
			env.seed(t, id, from)
			p, err := env.Machine.Transition(env.Ctx, statemachine.TransitionRequest{
				ProjectID: id, To: to, ErrorMessage: "boom", Actor: domain.ActorWorker,
			})
			audits, cerr := env.Repo.CountAudit(env.Ctx, id, domain.EventStateTransition)
			require.NoError(t, cerr)
			stored, gerr := env.Repo.GetProject(env.Ctx, id)
			require.NoError(t, gerr)

			switch {
			case from == to:
				require.NoError(t, err, id)
				require.Equal(t, from, p.State, id)
				require.Zero(t, audits, id)
			case statemachine.Allowed(from, to):
				require.NoError(t, err, id)
				require.Equal(t, to, stored.State, id)
				require.Equal(t, 1, audits, id)
				if to == domain.StateFailed {
					require.Equal(t, "boom", stored.ErrorMessage, id)
				} else {
					require.Empty(t, stored.ErrorMessage, id)
				}
			default:
				require.ErrorIs(t, err, statemachine.ErrInvalidTransition, id)
				require.Equal(t, from, stored.State, id)
				require.Zero(t, audits, id)
			}
		}
	}
}

func TestTransitionAuditCarriesStates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", domain.StateInstalling)
	_, err := env.Machine.Transition(env.Ctx, statemachine.TransitionRequest{
		ProjectID: "p1", To: domain.StateFailed, ErrorMessage: "bad creds", Actor: domain.ActorWorker, ActorID: "validate", CheckpointToken: "tok",
	})
	require.NoError(t, err)
	events, err := env.Repo.LatestAudit(env.Ctx, "p1", domain.EventStateTransition, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	require.Equal(t, domain.StateInstalling, *e.PreviousState)
	require.Equal(t, domain.StateFailed, *e.NewState)
	require.Equal(t, "bad creds", e.Payload["error_message"])
	require.Equal(t, "tok", *e.CheckpointToken)
	require.Equal(t, domain.ActorWorker, e.ActorType)
}

func TestResetClearsError(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", domain.StateStaging)
	_, err := env.Machine.Reset(env.Ctx, "p1", "user-1")
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)

	_, err = env.Machine.Transition(env.Ctx, statemachine.TransitionRequest{ProjectID: "p1", To: domain.StateFailed, ErrorMessage: "x"})
	require.NoError(t, err)
	p, err := env.Machine.Reset(env.Ctx, "p1", "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.StateCreated, p.State)
	require.Empty(t, p.ErrorMessage)

	events, err := env.Repo.LatestAudit(env.Ctx, "p1", domain.EventStateTransition, 1)
	require.NoError(t, err)
	require.Equal(t, domain.ActorUser, events[0].ActorType)
	require.Equal(t, "user-1", events[0].ActorID)
}

func TestTransitionUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Machine.Transition(env.Ctx, statemachine.TransitionRequest{ProjectID: "nope", To: domain.StateFailed})
	require.ErrorIs(t, err, repo.ErrNotFound)
}
