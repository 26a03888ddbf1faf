package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"provisioner/internal/app"
	"provisioner/internal/auth"
	"provisioner/internal/config"
	"provisioner/internal/db"
	"provisioner/internal/domain"
	"provisioner/internal/jobs"
	"provisioner/internal/migrate"
	"provisioner/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Checkpointed project provisioning",
	Long: `provisioner drives tenant projects through the provisioning DAG:
stage_templates -> apply_config -> init_memory -> validate.

Every step is keyed by (project, job type, checkpoint token). Re-running a step
with a token that already completed replays the stored result without side
effects, so retries are always safe.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROVISIONER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/provisioner.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				if cfg.Server.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("server.jwt_secret (PROVISIONER_SERVER_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					App:         a,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, AllowActorHeader: allowActorHeader},
					Logger:      a.Logger.Named("http"),
					ServiceName: cfg.Telemetry.ServiceName,
				})
				if err != nil {
					return err
				}
				if len(cfg.Webhooks) > 0 {
					go server.NewWebhookDispatcher(a.Repo, cfg.Webhooks, a.Logger.Named("webhooks")).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving provisioner API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without authentication (development only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB, a.Repo.Dialect)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"dialect": string(a.Repo.Dialect), "version": v},
					fmt.Sprintf("schema at version %d (%s)", v, a.Repo.Dialect))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default provisioner.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "***"
			}
			if cfg.Storage.SecretKey != "" {
				cfg.Storage.SecretKey = "***"
			}
			return printJSON(cfg)
		},
	})
	return cfgCmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectResetCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, owner, templateSet string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			var meta map[string]any
			if templateSet != "" {
				meta = map[string]any{"template_set": templateSet}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.CreateProject(ctx, app.CreateProjectInput{ID: id, OwnerID: owner, Metadata: meta})
				if err != nil {
					return err
				}
				return printProjects(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project UUID (generated when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (defaults to --actor-id)")
	cmd.Flags().StringVar(&templateSet, "template-set", "", "template set to stage")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printProjects(p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx, owner)
				if err != nil {
					return err
				}
				return printProjects(items...)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	return cmd
}

func projectResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <project-id>",
		Short: "Return a failed project to created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResetProject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printProjects(p)
			})
		},
	}
}

func credentialCmd() *cobra.Command {
	cred := &cobra.Command{Use: "credential", Short: "Manage provider credentials"}
	var ciphertext, status string
	var keyVersion int
	set := &cobra.Command{
		Use:   "set <project-id> <provider>",
		Short: "Store a provider credential (ciphertext only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, p, err := a.SetCredential(ctx, app.SetCredentialInput{
					ProjectID:          args[0],
					Provider:           args[1],
					Ciphertext:         ciphertext,
					KeyVersion:         keyVersion,
					VerificationStatus: domain.VerificationStatus(status),
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"credential": c, "project": p},
					fmt.Sprintf("%s credential stored (key v%d, %s); project %s is %s", c.Provider, c.KeyVersion, c.VerificationStatus, p.ID, p.State))
			})
		},
	}
	set.Flags().StringVar(&ciphertext, "ciphertext", "", "encrypted credential payload")
	set.Flags().IntVar(&keyVersion, "key-version", 1, "encryption key version")
	set.Flags().StringVar(&status, "status", string(domain.VerificationPending), "verification status")
	_ = set.MarkFlagRequired("ciphertext")

	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List provider credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				creds, err := a.Repo.ListCredentials(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(creds)
				}
				tw := newTable("Provider", "Status", "Key Version", "Updated")
				for _, c := range creds {
					tw.AppendRow(table.Row{c.Provider, c.VerificationStatus, c.KeyVersion, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cred.AddCommand(set, list)
	return cred
}

func parseJobType(s string) (domain.JobType, error) {
	jt := domain.JobType(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if !jt.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return jt, nil
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Run provisioning steps"}
	var projectID, token string
	run := &cobra.Command{
		Use:   "run <job-type>",
		Short: "Run one step under the checkpoint protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jt, err := parseJobType(args[0])
			if err != nil {
				return err
			}
			if token == "" {
				if token, err = jobs.NewToken(); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp, err := a.Runner.Run(ctx, jt, jobs.Request{ProjectID: projectID, CheckpointToken: token})
				if err != nil {
					resp = jobs.ErrorResponse(err)
				}
				if perr := printResponses([]jobs.PipelineStep{{JobType: jt, Token: token, Response: resp}}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	run.Flags().StringVar(&projectID, "project", "", "project id")
	run.Flags().StringVar(&token, "token", "", "checkpoint token (generated when empty)")
	_ = run.MarkFlagRequired("project")
	step.AddCommand(run)
	return step
}

func pipelineCmd() *cobra.Command {
	pl := &cobra.Command{Use: "pipeline", Short: "Drive the whole provisioning DAG"}
	var projectID, token string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run every step in order, chaining checkpoint tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Pipeline().Run(ctx, projectID, token)
				if perr := printResponses(results); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	run.Flags().StringVar(&projectID, "project", "", "project id")
	run.Flags().StringVar(&token, "token", "", "first checkpoint token (generated when empty)")
	_ = run.MarkFlagRequired("project")
	pl.AddCommand(run)
	return pl
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Inspect the checkpoint ledger"}
	var projectID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Ledger.List(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Job", "Token", "Status", "Attempts", "Next Token", "Updated")
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.JobType, shorten(cp.Token), cp.Status, cp.AttemptCount, shorten(deref(cp.NextToken)), cp.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&projectID, "project", "", "project id")
	_ = list.MarkFlagRequired("project")
	l.AddCommand(list)
	return l
}

func auditCmd() *cobra.Command {
	au := &cobra.Command{Use: "audit", Short: "Read the audit trail"}
	var projectID, evtType string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestAudit(ctx, projectID, evtType, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Type", "Actor", "From", "To", "Token", "At")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.EventType, strings.TrimSuffix(string(e.ActorType)+":"+e.ActorID, ":"),
						stateOf(e.PreviousState), stateOf(e.NewState), shorten(deref(e.CheckpointToken)), e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&projectID, "project", "", "project id")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	_ = tail.MarkFlagRequired("project")
	au.AddCommand(tail)
	return au
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var principal, name string
	var service bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, raw, err := a.IssueAPIKey(ctx, principal, name, service)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"id": key.ID, "principal_id": key.PrincipalID, "service": key.Service, "key": raw},
					fmt.Sprintf("api key %s for %s:\n%s", key.ID, key.PrincipalID, raw))
			})
		},
	}
	create.Flags().StringVar(&principal, "principal", "", "principal id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().BoolVar(&service, "service", false, "grant access to every project")
	_ = create.MarkFlagRequired("principal")
	k.AddCommand(create)
	return k
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var subject string
	var service bool
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an HS256 bearer token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.SignJWT(cfg.Server.JWTSecret, subject, service, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "principal id")
	issue.Flags().BoolVar(&service, "service", false, "include the service role")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	t.AddCommand(issue)
	return t
}

// --- helpers ---

// loadConfig reads the config file and overlays PROVISIONER_* environment values.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	overlay := map[string]*string{
		"database.driver":         &cfg.Database.Driver,
		"database.dsn":            &cfg.Database.DSN,
		"server.addr":             &cfg.Server.Addr,
		"server.base_path":        &cfg.Server.BasePath,
		"server.jwt_secret":       &cfg.Server.JWTSecret,
		"storage.backend":         &cfg.Storage.Backend,
		"storage.endpoint":        &cfg.Storage.Endpoint,
		"storage.access_key":      &cfg.Storage.AccessKey,
		"storage.secret_key":      &cfg.Storage.SecretKey,
		"storage.region":          &cfg.Storage.Region,
		"storage.bucket_prefix":   &cfg.Storage.BucketPrefix,
		"bus.nats_url":            &cfg.Bus.NATSURL,
		"bus.subject_prefix":      &cfg.Bus.SubjectPrefix,
		"telemetry.otlp_endpoint": &cfg.Telemetry.OTLPEndpoint,
		"telemetry.service_name":  &cfg.Telemetry.ServiceName,
		"logging.level":           &cfg.Logging.Level,
	}
	for key, dst := range overlay {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if viper.IsSet("jobs.claim_ttl_seconds") {
		cfg.Jobs.ClaimTTLSeconds = viper.GetInt("jobs.claim_ttl_seconds")
	}
	if viper.IsSet("logging.development") {
		cfg.Logging.Development = viper.GetBool("logging.development")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printProjects(items ...domain.Project) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable("ID", "Owner", "State", "Error", "Updated")
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.OwnerID, p.State, p.ErrorMessage, p.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printResponses(results []jobs.PipelineStep) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := newTable("Job", "Token", "Success", "State", "Next Token", "Messages")
	for _, r := range results {
		state := r.Response.State
		if r.Response.Error != nil {
			state = string(r.Response.Error.Code)
		}
		tw.AppendRow(table.Row{r.JobType, shorten(r.Token), r.Response.Success, state, shorten(r.Response.NextToken), strings.Join(r.Response.Messages, "; ")})
	}
	tw.Render()
	return nil
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "…"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stateOf(s *domain.State) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
