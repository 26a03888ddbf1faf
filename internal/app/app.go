// Package app wires the provisioner from configuration for the CLI and the
// HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisioner/internal/audit"
	"provisioner/internal/bus"
	"provisioner/internal/config"
	"provisioner/internal/db"
	"provisioner/internal/domain"
	"provisioner/internal/jobs"
	"provisioner/internal/ledger"
	"provisioner/internal/migrate"
	"provisioner/internal/repo"
	"provisioner/internal/statemachine"
	"provisioner/internal/steps"
	"provisioner/internal/storage"
	"provisioner/internal/telemetry"
)

// ErrInvalidInput marks caller mistakes in project and credential input.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Machine  statemachine.Machine
	Ledger   ledger.Ledger
	Runner   *jobs.Runner
	Storage  storage.Provisioner
	Bus      *bus.Bus
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	shutdown func(context.Context) error
}

// Build opens the store, applies migrations and assembles every component.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, dialect, err := db.Open(db.Config{Driver: db.Dialect(cfg.Database.Driver), DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: logger, Now: time.Now}
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.shutdown, err = telemetry.Init(ctx, telemetry.Config{OTLPEndpoint: cfg.Telemetry.OTLPEndpoint, ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.Storage, err = storage.New(ctx, storage.Config{
		Backend:      cfg.Storage.Backend,
		Endpoint:     cfg.Storage.Endpoint,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		Region:       cfg.Storage.Region,
		UseSSL:       cfg.Storage.UseSSL,
		BucketPrefix: cfg.Storage.BucketPrefix,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	var notify audit.Sink
	store := audit.Sink(audit.StoreSink{Writer: audit.Writer{Repo: repo.Repo{DB: conn, Dialect: dialect}}})
	sinks := audit.MultiSink{store}
	if cfg.Bus.NATSURL != "" {
		a.Bus, err = bus.New(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("bus: %w", err)
		}
		published := audit.BusSink{Bus: a.Bus}
		notify = audit.BestEffort(logger.Named("bus"), published)
		sinks = append(sinks, published)
	}
	a.wire(repo.Repo{DB: conn, Dialect: dialect}, notify, audit.BestEffort(logger.Named("audit"), sinks))
	return a, nil
}

func (a *App) wire(r repo.Repo, notify, stepAudit audit.Sink) {
	now := func() time.Time { return a.now() }
	a.Repo = r
	a.Metrics = telemetry.NewMetrics()
	a.Audit = audit.Writer{Repo: r, Now: now}
	a.Ledger = ledger.Ledger{Repo: r, Now: now}
	a.Machine = statemachine.Machine{DB: a.DB, Repo: r, Audit: a.Audit, Notify: notify, Metrics: a.Metrics, Now: now}
	a.Runner = &jobs.Runner{
		Repo:     r,
		Ledger:   a.Ledger,
		Machine:  a.Machine,
		Audit:    stepAudit,
		ClaimTTL: a.Config.ClaimTTL(),
		Metrics:  a.Metrics,
		Logger:   a.Logger.Named("jobs"),
		Now:      now,
	}
	a.Runner.Register(steps.All(steps.Deps{
		Repo:         r,
		Ledger:       a.Ledger,
		Templates:    steps.CatalogSource{Sets: a.Config.Templates.Sets},
		Storage:      a.Storage,
		BucketPrefix: a.Config.Storage.BucketPrefix,
	})...)
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Pipeline drives all steps through the app's runner.
func (a *App) Pipeline() jobs.Pipeline {
	return jobs.Pipeline{Runner: a.Runner}
}

// Close releases the bus, the database and the tracer provider.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

type CreateProjectInput struct {
	ID       string
	OwnerID  string
	Metadata map[string]any
}

// CreateProject inserts a project in state created along with its audit row.
func (a *App) CreateProject(ctx context.Context, in CreateProjectInput) (domain.Project, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return domain.Project{}, invalidf("owner is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	} else if _, err := uuid.Parse(in.ID); err != nil {
		return domain.Project{}, invalidf("project id must be a UUID")
	}
	ts := domain.FormatTime(a.now())
	p := domain.Project{
		ID:        in.ID,
		OwnerID:   in.OwnerID,
		State:     domain.StateCreated,
		Metadata:  in.Metadata,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := a.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	next := domain.StateCreated
	if _, err := a.Audit.Append(ctx, tx, domain.AuditEvent{
		ProjectID: p.ID,
		EventType: domain.EventProjectCreated,
		ActorType: domain.ActorUser,
		ActorID:   p.OwnerID,
		NewState:  &next,
		CreatedAt: ts,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

type SetCredentialInput struct {
	ProjectID          string
	Provider           string
	Ciphertext         string
	KeyVersion         int
	VerificationStatus domain.VerificationStatus
	ActorID            string
}

// SetCredential stores or replaces the project's credential for a provider.
// The first credential on a created project moves it to credentials_set.
func (a *App) SetCredential(ctx context.Context, in SetCredentialInput) (domain.Credential, domain.Project, error) {
	if strings.TrimSpace(in.Provider) == "" {
		return domain.Credential{}, domain.Project{}, invalidf("provider is required")
	}
	if in.Ciphertext == "" {
		return domain.Credential{}, domain.Project{}, invalidf("ciphertext is required")
	}
	if in.VerificationStatus == "" {
		in.VerificationStatus = domain.VerificationPending
	}
	if !in.VerificationStatus.Valid() {
		return domain.Credential{}, domain.Project{}, invalidf("unknown verification status %q", in.VerificationStatus)
	}
	if in.KeyVersion <= 0 {
		in.KeyVersion = 1
	}
	ts := domain.FormatTime(a.now())
	c := domain.Credential{
		ID:                 uuid.NewString(),
		ProjectID:          in.ProjectID,
		Provider:           strings.ToLower(in.Provider),
		Ciphertext:         in.Ciphertext,
		KeyVersion:         in.KeyVersion,
		VerificationStatus: in.VerificationStatus,
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := a.Repo.GetProjectTx(ctx, tx, in.ProjectID)
	if err != nil {
		return domain.Credential{}, domain.Project{}, err
	}
	inserted, err := a.Repo.UpsertCredential(ctx, tx, c)
	if err != nil {
		return domain.Credential{}, domain.Project{}, fmt.Errorf("upsert credential: %w", err)
	}
	if _, err := a.Audit.Append(ctx, tx, domain.AuditEvent{
		ProjectID: p.ID,
		EventType: domain.EventCredentialSet,
		ActorType: domain.ActorUser,
		ActorID:   in.ActorID,
		Payload: map[string]any{
			"provider":            c.Provider,
			"key_version":         c.KeyVersion,
			"verification_status": string(c.VerificationStatus),
			"replaced":            !inserted,
		},
		CreatedAt: ts,
	}); err != nil {
		return domain.Credential{}, domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Credential{}, domain.Project{}, err
	}

	if p.State == domain.StateCreated {
		p, err = a.Machine.Transition(ctx, statemachine.TransitionRequest{
			ProjectID: p.ID,
			To:        domain.StateCredentialsSet,
			Actor:     domain.ActorUser,
			ActorID:   in.ActorID,
		})
		if err != nil && !errors.Is(err, statemachine.ErrStateConflict) {
			return domain.Credential{}, domain.Project{}, err
		}
		if err != nil {
			p, err = a.Repo.GetProject(ctx, in.ProjectID)
			if err != nil {
				return domain.Credential{}, domain.Project{}, err
			}
		}
	}
	creds, err := a.Repo.ListCredentials(ctx, in.ProjectID)
	if err != nil {
		return domain.Credential{}, domain.Project{}, err
	}
	for _, stored := range creds {
		if stored.Provider == c.Provider {
			return stored, p, nil
		}
	}
	return c, p, nil
}

// ResetProject returns a failed project to created.
func (a *App) ResetProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return a.Machine.Reset(ctx, projectID, actorID)
}

// IssueAPIKey stores the hash of a fresh key and returns the raw key once.
func (a *App) IssueAPIKey(ctx context.Context, principalID, name string, service bool) (domain.APIKey, string, error) {
	if strings.TrimSpace(principalID) == "" {
		return domain.APIKey{}, "", invalidf("principal is required")
	}
	raw, err := jobs.NewToken()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	raw = "pk_" + raw
	key := domain.APIKey{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(raw),
		Service:     service,
		CreatedAt:   domain.FormatTime(a.now()),
	}
	if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}
