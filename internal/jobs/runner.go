package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"provisioner/internal/audit"
	"provisioner/internal/domain"
	"provisioner/internal/ledger"
	"provisioner/internal/repo"
	"provisioner/internal/statemachine"
	"provisioner/internal/telemetry"
)

const (
	maxTokenLength = 256

	StateAlreadyComplete = "already-complete"
)

type Request struct {
	ProjectID       string `json:"project_id"`
	CheckpointToken string `json:"checkpoint_token"`
}

type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform result of a step invocation.
type Response struct {
	Success      bool            `json:"success"`
	NextToken    string          `json:"next_token,omitempty"`
	State        string          `json:"state,omitempty"`
	Messages     []string        `json:"messages"`
	Error        *ErrorBody      `json:"error,omitempty"`
	CachedResult json.RawMessage `json:"cached_result,omitempty"`
}

// ErrorResponse renders err in the uniform response shape.
func ErrorResponse(err error) Response {
	var je *Error
	if !errors.As(err, &je) {
		je = &Error{Code: CodeInternal, Message: err.Error()}
	}
	msgs := je.Messages
	if len(msgs) == 0 {
		msgs = []string{je.Message}
	}
	return Response{Success: false, Messages: msgs, Error: &ErrorBody{Code: je.Code, Message: je.Message}}
}

// StepContext is what Execute sees of the invocation.
type StepContext struct {
	Project domain.Project
	Key     domain.CheckpointKey
}

// Outcome is a successful Execute result. Result is stored on the checkpoint
// and replayed verbatim.
type Outcome struct {
	Result   any
	Messages []string
}

type (
	ExecuteFunc func(ctx context.Context, sc StepContext) (Outcome, error)
	// SkipFunc reports whether the step has nothing to do, with a reason.
	SkipFunc func(ctx context.Context, p domain.Project) (bool, string, error)
)

// Step describes one DAG node.
type Step struct {
	JobType     domain.JobType
	Requires    []domain.State
	Enter       domain.State
	OnSuccess   domain.State
	Terminal    bool
	FailureCode Code
	Label       string
	SkipLabel   string
	ShouldSkip  SkipFunc
	Execute     ExecuteFunc
}

func (s Step) accepts(state domain.State) bool {
	for _, r := range s.Requires {
		if r == state {
			return true
		}
	}
	return false
}

// Runner executes steps under the checkpoint protocol.
type Runner struct {
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Machine  statemachine.Machine
	Audit    audit.Sink
	ClaimTTL time.Duration
	Tokens   func() (string, error)
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Now      func() time.Time

	steps map[domain.JobType]Step
}

func (r *Runner) Register(steps ...Step) {
	if r.steps == nil {
		r.steps = map[domain.JobType]Step{}
	}
	for _, s := range steps {
		r.steps[s.JobType] = s
	}
}

func (r *Runner) Step(jobType domain.JobType) (Step, bool) {
	s, ok := r.steps[jobType]
	return s, ok
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) newToken() (string, error) {
	if r.Tokens != nil {
		return r.Tokens()
	}
	return NewToken()
}

// Run executes jobType for the request. Completed checkpoints are replayed
// without side effects. The returned error is always a *Error.
func (r *Runner) Run(ctx context.Context, jobType domain.JobType, req Request) (resp Response, err error) {
	start := time.Now()
	outcome := "success"
	ctx, span := telemetry.Tracer().Start(ctx, "step."+string(jobType), trace.WithAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.String("job_type", string(jobType)),
	))
	defer func() {
		if err != nil {
			var je *Error
			if errors.As(err, &je) {
				outcome = string(je.Code)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		r.Metrics.ObserveStep(string(jobType), outcome, time.Since(start))
	}()

	step, ok := r.steps[jobType]
	if !ok {
		return Response{}, Errorf(CodeInvalidRequest, "unknown job type %q", jobType)
	}
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}
	key := domain.CheckpointKey{ProjectID: req.ProjectID, JobType: jobType, Token: req.CheckpointToken}
	log := r.log().With(
		zap.String("project_id", key.ProjectID),
		zap.String("job_type", string(jobType)),
		zap.String("checkpoint_token", tokenPrefix(key.Token)),
	)

	cp, err := r.Ledger.Lookup(ctx, key)
	switch {
	case err == nil && cp.Status.Final():
		outcome = "replayed"
		return replay(cp), nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return Response{}, r.internal(log, "lookup checkpoint", err)
	}

	p, err := r.Repo.GetProject(ctx, key.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return Response{}, Errorf(CodeNotFound, "project %s not found", key.ProjectID)
	}
	if err != nil {
		return Response{}, r.internal(log, "load project", err)
	}
	if !step.accepts(p.State) {
		resp, label, err := r.rejectState(ctx, log, step, key, p, start)
		if err == nil {
			outcome = label
		}
		return resp, err
	}

	claimed, cp, err := r.Ledger.Claim(ctx, key, r.ClaimTTL)
	if err != nil {
		return Response{}, r.internal(log, "claim checkpoint", err)
	}
	if !claimed {
		if cp.Status.Final() {
			outcome = "replayed"
			return replay(cp), nil
		}
		return Response{}, errInProgress()
	}

	if step.ShouldSkip != nil {
		skip, reason, err := step.ShouldSkip(ctx, p)
		if err != nil {
			return Response{}, r.internal(log, "skip check", err)
		}
		if skip {
			outcome = "skipped"
			return r.skip(ctx, log, step, key, reason, start)
		}
	}

	if step.Enter != "" {
		p, err = r.Machine.Transition(ctx, statemachine.TransitionRequest{
			ProjectID: key.ProjectID, To: step.Enter, Actor: domain.ActorWorker,
			ActorID: string(jobType), CheckpointToken: key.Token,
		})
		if err != nil {
			return Response{}, r.releaseClaim(ctx, log, step, key, err)
		}
	}

	out, err := step.Execute(ctx, StepContext{Project: p, Key: key})
	var failure *Failure
	if errors.As(err, &failure) {
		return Response{}, r.fail(ctx, log, step, key, failure, start)
	}
	if err != nil {
		return Response{}, r.internal(log, "execute step", err)
	}

	if step.OnSuccess != "" {
		if _, err := r.Machine.Transition(ctx, statemachine.TransitionRequest{
			ProjectID: key.ProjectID, To: step.OnSuccess, Actor: domain.ActorWorker,
			ActorID: string(jobType), CheckpointToken: key.Token,
		}); err != nil {
			return Response{}, r.internal(log, "complete transition", err)
		}
	}
	return r.finish(ctx, log, step, key, out, start)
}

// finish records a successful run on the ledger and mints the successor token.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, out Outcome, start time.Time) (Response, error) {
	next := ""
	if !step.Terminal {
		var err error
		if next, err = r.newToken(); err != nil {
			return Response{}, r.internal(log, "generate token", err)
		}
	}
	if _, err := r.Ledger.Complete(ctx, key, out.Result, next); err != nil {
		return Response{}, r.internal(log, "complete checkpoint", err)
	}
	r.record(ctx, key, domain.EventStepCompleted, start, map[string]any{
		"job_type":              string(step.JobType),
		"state":                 step.Label,
		"next_checkpoint_token": next,
	})
	log.Info("step completed", zap.Duration("duration", time.Since(start)))

	msgs := out.Messages
	if msgs == nil {
		msgs = []string{}
	}
	return Response{Success: true, NextToken: next, State: step.Label, Messages: msgs}, nil
}

// rejectState handles a project outside the step's required states. A
// concurrent call for the same triple may already have moved the project on,
// so the ledger decides between replay, in-progress and invalid_state. The
// returned label is the metrics outcome on success.
func (r *Runner) rejectState(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, p domain.Project, start time.Time) (Response, string, error) {
	cp, err := r.Ledger.Lookup(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return Response{}, "", invalidState(step, p.State)
	}
	if err != nil {
		return Response{}, "", r.internal(log, "lookup checkpoint", err)
	}
	switch {
	case cp.Status.Final():
		return replay(cp), "replayed", nil
	case cp.Status != domain.CheckpointInProgress:
		return Response{}, "", invalidState(step, p.State)
	case r.claimFresh(cp):
		return Response{}, "", errInProgress()
	case step.OnSuccess != "" && p.State == step.OnSuccess:
		resp, err := r.recoverCompleted(ctx, log, step, key, p, start)
		return resp, "recovered", err
	}
	return Response{}, "", invalidState(step, p.State)
}

// recoverCompleted finishes a stale claim whose closing transition committed
// but whose ledger write did not. The step re-executes to rebuild its result;
// the project is not transitioned again.
func (r *Runner) recoverCompleted(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, p domain.Project, start time.Time) (Response, error) {
	claimed, cp, err := r.Ledger.Claim(ctx, key, r.ClaimTTL)
	if err != nil {
		return Response{}, r.internal(log, "claim checkpoint", err)
	}
	if !claimed {
		if cp.Status.Final() {
			return replay(cp), nil
		}
		return Response{}, errInProgress()
	}
	log.Warn("recovering checkpoint left in progress after final transition", zap.String("state", string(p.State)))
	out, err := step.Execute(ctx, StepContext{Project: p, Key: key})
	if err != nil {
		return Response{}, r.internal(log, "re-execute step", err)
	}
	return r.finish(ctx, log, step, key, out, start)
}

func (r *Runner) claimFresh(cp domain.Checkpoint) bool {
	if cp.LastAttemptAt == nil {
		return false
	}
	at, err := time.Parse(domain.TimeLayout, *cp.LastAttemptAt)
	if err != nil {
		return false
	}
	ttl := r.ClaimTTL
	if ttl <= 0 {
		ttl = ledger.DefaultStaleAfter
	}
	return !at.Before(r.now().Add(-ttl))
}

func errInProgress() *Error {
	return Errorf(CodeCheckpointInProgress, "checkpoint is being processed by another request; retry later")
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return Errorf(CodeInvalidRequest, "project_id is required")
	}
	if _, err := uuid.Parse(req.ProjectID); err != nil {
		return Errorf(CodeInvalidRequest, "project_id must be a UUID")
	}
	if strings.TrimSpace(req.CheckpointToken) == "" {
		return Errorf(CodeInvalidRequest, "checkpoint_token is required")
	}
	if len(req.CheckpointToken) > maxTokenLength {
		return Errorf(CodeInvalidRequest, "checkpoint_token exceeds %d characters", maxTokenLength)
	}
	return nil
}

func invalidState(step Step, state domain.State) *Error {
	want := make([]string, len(step.Requires))
	for i, s := range step.Requires {
		want[i] = string(s)
	}
	return Errorf(CodeInvalidState, "project is in state %s; %s requires %s", state, step.JobType, strings.Join(want, " or "))
}

func replay(cp domain.Checkpoint) Response {
	payload, next := ledger.ReplayResult(cp)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Response{
		Success:      true,
		NextToken:    next,
		State:        StateAlreadyComplete,
		Messages:     []string{fmt.Sprintf("%s already completed for this checkpoint", cp.JobType)},
		CachedResult: payload,
	}
}

func (r *Runner) skip(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, reason string, start time.Time) (Response, error) {
	next := ""
	if !step.Terminal {
		var err error
		if next, err = r.newToken(); err != nil {
			return Response{}, r.internal(log, "generate token", err)
		}
	}
	if _, err := r.Ledger.Skip(ctx, key, map[string]any{"skipped": true, "reason": reason}, next); err != nil {
		return Response{}, r.internal(log, "skip checkpoint", err)
	}
	r.record(ctx, key, domain.EventStepSkipped, start, map[string]any{
		"job_type":              string(step.JobType),
		"reason":                reason,
		"next_checkpoint_token": next,
	})
	log.Info("step skipped", zap.String("reason", reason))
	label := step.SkipLabel
	if label == "" {
		label = step.Label
	}
	return Response{Success: true, NextToken: next, State: label, Messages: []string{reason}}, nil
}

// fail drives the project to failed and records the failure on the checkpoint.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, f *Failure, start time.Time) error {
	if _, err := r.Machine.Transition(ctx, statemachine.TransitionRequest{
		ProjectID: key.ProjectID, To: domain.StateFailed, ErrorMessage: f.Message,
		Actor: domain.ActorWorker, ActorID: string(step.JobType), CheckpointToken: key.Token,
	}); err != nil {
		log.Error("transition to failed", zap.Error(err))
	}
	details := map[string]any{"code": string(step.FailureCode), "message": f.Message, "messages": f.Messages}
	for k, v := range f.Details {
		details[k] = v
	}
	if _, err := r.Ledger.Fail(ctx, key, details); err != nil {
		log.Error("record failed checkpoint", zap.Error(err))
	}
	r.record(ctx, key, domain.EventStepFailed, start, map[string]any{
		"job_type": string(step.JobType),
		"code":     string(step.FailureCode),
		"message":  f.Message,
	})
	log.Warn("step failed", zap.String("reason", f.Message))
	msgs := f.Messages
	if len(msgs) == 0 {
		msgs = []string{f.Message}
	}
	return &Error{Code: step.FailureCode, Message: f.Message, Messages: msgs}
}

// releaseClaim marks the checkpoint failed when the entry transition was
// rejected, so the token can be retried once the project is back in a
// valid state.
func (r *Runner) releaseClaim(ctx context.Context, log *zap.Logger, step Step, key domain.CheckpointKey, cause error) error {
	if !errors.Is(cause, statemachine.ErrInvalidTransition) && !errors.Is(cause, statemachine.ErrStateConflict) {
		return r.internal(log, "enter transition", cause)
	}
	if _, err := r.Ledger.Fail(ctx, key, map[string]any{"code": string(CodeInvalidState), "message": cause.Error()}); err != nil {
		log.Error("release claim", zap.Error(err))
	}
	return Errorf(CodeInvalidState, "%s: %v", step.JobType, cause)
}

func (r *Runner) internal(log *zap.Logger, what string, err error) error {
	log.Error(what, zap.Error(err))
	return &Error{Code: CodeInternal, Message: what + " failed", Messages: []string{what + " failed"}}
}

func (r *Runner) record(ctx context.Context, key domain.CheckpointKey, eventType string, start time.Time, payload map[string]any) {
	if r.Audit == nil {
		return
	}
	ms := time.Since(start).Milliseconds()
	tok := key.Token
	_ = r.Audit.Record(ctx, domain.AuditEvent{
		ProjectID:       key.ProjectID,
		EventType:       eventType,
		ActorType:       domain.ActorWorker,
		ActorID:         string(key.JobType),
		Payload:         payload,
		CheckpointToken: &tok,
		ExecutionTimeMS: &ms,
		CreatedAt:       domain.FormatTime(r.now()),
	})
}
