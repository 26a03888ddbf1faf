package statemachine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"provisioner/internal/audit"
	"provisioner/internal/domain"
	"provisioner/internal/repo"
	"provisioner/internal/telemetry"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateConflict reports that the project changed state between read and write.
	ErrStateConflict = errors.New("project state changed concurrently")
)

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct {
	From domain.State
	To   domain.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[domain.State][]domain.State{
	domain.StateCreated:        {domain.StateCredentialsSet, domain.StateFailed},
	domain.StateCredentialsSet: {domain.StateStaging, domain.StateFailed},
	domain.StateStaging:        {domain.StateInstalling, domain.StateFailed},
	domain.StateInstalling:     {domain.StateValidated, domain.StateFailed},
	domain.StateValidated:      {domain.StateComplete, domain.StateFailed},
	domain.StateComplete:       nil,
	domain.StateFailed:         {domain.StateCreated},
}

// Targets returns the states reachable from s in one step.
func Targets(s domain.State) []domain.State {
	out := make([]domain.State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Allowed reports whether from -> to is an edge of the lifecycle. A state is
// always allowed to transition to itself.
func Allowed(from, to domain.State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func Validate(from, to domain.State) error {
	if !Allowed(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

type TransitionRequest struct {
	ProjectID       string
	To              domain.State
	ErrorMessage    string
	Actor           domain.ActorType
	ActorID         string
	CheckpointToken string
}

// Machine applies validated transitions and records them in the audit trail.
type Machine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Notify  audit.Sink
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition moves the project to req.To. The state read, the guarded update
// and the audit row share one transaction. Transitioning to the current state
// returns the project unchanged and writes nothing.
func (m Machine) Transition(ctx context.Context, req TransitionRequest) (domain.Project, error) {
	if !req.To.Valid() {
		return domain.Project{}, &InvalidTransitionError{To: req.To}
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := m.Repo.GetProjectTx(ctx, tx, req.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	from := p.State
	if from == req.To {
		return p, nil
	}
	if err := Validate(from, req.To); err != nil {
		return domain.Project{}, err
	}
	errMsg := ""
	if req.To == domain.StateFailed {
		errMsg = req.ErrorMessage
	}
	ts := domain.FormatTime(m.now())
	ok, err := m.Repo.UpdateProjectStateTx(ctx, tx, p.ID, from, req.To, errMsg, ts)
	if err != nil {
		return domain.Project{}, fmt.Errorf("update project state: %w", err)
	}
	if !ok {
		return domain.Project{}, ErrStateConflict
	}

	actor := req.Actor
	if actor == "" {
		actor = domain.ActorSystem
	}
	prev, next := from, req.To
	evt := domain.AuditEvent{
		ProjectID:     p.ID,
		EventType:     domain.EventStateTransition,
		ActorType:     actor,
		ActorID:       req.ActorID,
		PreviousState: &prev,
		NewState:      &next,
		Payload:       map[string]any{},
		CreatedAt:     ts,
	}
	if errMsg != "" {
		evt.Payload["error_message"] = errMsg
	}
	if req.CheckpointToken != "" {
		tok := req.CheckpointToken
		evt.CheckpointToken = &tok
	}
	evt, err = m.Audit.Append(ctx, tx, evt)
	if err != nil {
		return domain.Project{}, fmt.Errorf("append transition audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	m.Metrics.ObserveTransition(string(from), string(req.To))
	if m.Notify != nil {
		_ = m.Notify.Record(ctx, evt)
	}
	p.State = req.To
	p.ErrorMessage = errMsg
	p.UpdatedAt = ts
	return p, nil
}

// Reset returns a failed project to created on behalf of a user.
func (m Machine) Reset(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := m.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.State != domain.StateFailed {
		return domain.Project{}, &InvalidTransitionError{From: p.State, To: domain.StateCreated}
	}
	return m.Transition(ctx, TransitionRequest{
		ProjectID: projectID,
		To:        domain.StateCreated,
		Actor:     domain.ActorUser,
		ActorID:   actorID,
	})
}
