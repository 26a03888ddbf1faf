package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is fixed width so stored timestamps order lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// State is a project lifecycle state.
type State string

const (
	StateCreated        State = "created"
	StateCredentialsSet State = "credentials_set"
	StateStaging        State = "staging"
	StateInstalling     State = "installing"
	StateValidated      State = "validated"
	StateComplete       State = "complete"
	StateFailed         State = "failed"
)

// States lists every lifecycle state in pipeline order.
var States = []State{
	StateCreated,
	StateCredentialsSet,
	StateStaging,
	StateInstalling,
	StateValidated,
	StateComplete,
	StateFailed,
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// JobType names one node of the provisioning DAG.
type JobType string

const (
	JobStageTemplates JobType = "stage_templates"
	JobApplyConfig    JobType = "apply_config"
	JobInitMemory     JobType = "init_memory"
	JobValidate       JobType = "validate"
)

// JobTypes lists the DAG nodes in execution order.
var JobTypes = []JobType{JobStageTemplates, JobApplyConfig, JobInitMemory, JobValidate}

func (j JobType) Valid() bool {
	for _, known := range JobTypes {
		if j == known {
			return true
		}
	}
	return false
}

type CheckpointStatus string

const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
	CheckpointSkipped    CheckpointStatus = "skipped"
)

// Final reports whether the status can no longer change.
func (s CheckpointStatus) Final() bool {
	return s == CheckpointCompleted || s == CheckpointSkipped
}

type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerifying VerificationStatus = "verifying"
	VerificationVerified  VerificationStatus = "verified"
	VerificationInvalid   VerificationStatus = "invalid"
	VerificationExpired   VerificationStatus = "expired"
)

func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationPending, VerificationVerifying, VerificationVerified, VerificationInvalid, VerificationExpired:
		return true
	}
	return false
}

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorWorker ActorType = "worker"
)

// Audit event types.
const (
	EventStateTransition = "state_transition"
	EventStepCompleted   = "step_completed"
	EventStepSkipped     = "step_skipped"
	EventStepFailed      = "step_failed"
	EventProjectCreated  = "project_created"
	EventCredentialSet   = "credential_set"
)

type Project struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	State        State          `json:"state" enum:"created,credentials_set,staging,installing,validated,complete,failed"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Credential holds provider secrets as ciphertext only.
type Credential struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id"`
	Provider           string             `json:"provider"`
	Ciphertext         string             `json:"-"`
	KeyVersion         int                `json:"key_version"`
	VerificationStatus VerificationStatus `json:"verification_status" enum:"pending,verifying,verified,invalid,expired"`
	CreatedAt          string             `json:"created_at" format:"date-time"`
	UpdatedAt          string             `json:"updated_at" format:"date-time"`
}

// CheckpointKey identifies one idempotent unit of work.
type CheckpointKey struct {
	ProjectID string
	JobType   JobType
	Token     string
}

type Checkpoint struct {
	ProjectID     string           `json:"project_id"`
	JobType       JobType          `json:"job_type"`
	Token         string           `json:"checkpoint_token"`
	Status        CheckpointStatus `json:"status" enum:"pending,in_progress,completed,failed,skipped"`
	AttemptCount  int              `json:"attempt_count"`
	LastAttemptAt *string          `json:"last_attempt_at,omitempty" format:"date-time"`
	CompletedAt   *string          `json:"completed_at,omitempty" format:"date-time"`
	ResultPayload json.RawMessage  `json:"result_payload,omitempty"`
	ErrorDetails  json.RawMessage  `json:"error_details,omitempty"`
	NextToken     *string          `json:"next_checkpoint_token,omitempty"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	UpdatedAt     string           `json:"updated_at" format:"date-time"`
}

func (c Checkpoint) Key() CheckpointKey {
	return CheckpointKey{ProjectID: c.ProjectID, JobType: c.JobType, Token: c.Token}
}

type AuditEvent struct {
	ID              int64          `json:"id"`
	ProjectID       string         `json:"project_id"`
	EventType       string         `json:"event_type"`
	ActorType       ActorType      `json:"actor_type"`
	ActorID         string         `json:"actor_id,omitempty"`
	PreviousState   *State         `json:"previous_state,omitempty"`
	NewState        *State         `json:"new_state,omitempty"`
	Payload         map[string]any `json:"payload"`
	CheckpointToken *string        `json:"checkpoint_token,omitempty"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"key_hash"`
	Service     bool   `json:"service"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
