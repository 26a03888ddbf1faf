package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisioner/internal/app"
	"provisioner/internal/auth"
	"provisioner/internal/db"
	"provisioner/internal/domain"
	"provisioner/internal/jobs"
	"provisioner/internal/repo"
	"provisioner/internal/statemachine"
	"provisioner/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	App         *app.App
	BasePath    string
	Auth        AuthConfig
	Logger      *zap.Logger
	ServiceName string
}

// apiError models the uniform failure envelope shared with step responses.
type apiError struct {
	status   int
	Success  bool           `json:"success"`
	Messages []string       `json:"messages"`
	Body     jobs.ErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the provisioning API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger.Named("auth")
	}
	service := cfg.ServiceName
	if service == "" {
		service = "provisioner"
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errStrings(errs)...)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Shape and schema failures are request errors, never 422.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errStrings(errs)...)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.Middleware(service))
	router.Use(requestLogger(logger))
	router.Use(rejectUnroutedMethods(router))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, "", fmt.Sprintf("method %s not allowed", r.Method)))
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "", "route not found"))
	})
	router.Handle("/metrics", cfg.App.Metrics.Handler())

	hcfg := huma.DefaultConfig("Provisioner API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.App)
	registerJobs(group, cfg.App)
	registerProjects(group, cfg.App)
	registerCredentials(group, cfg.App)
	registerLedger(group, cfg.App)
	registerAudit(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, messages ...string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	if len(messages) == 0 {
		messages = []string{message}
	}
	return &apiError{
		status:   status,
		Messages: messages,
		Body:     jobs.ErrorBody{Code: jobs.Code(code), Message: message},
	}
}

func errStrings(errs []error) []string {
	var out []string
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var je *jobs.Error
	if errors.As(err, &je) {
		resp := jobs.ErrorResponse(je)
		return &apiError{status: je.Status(), Messages: resp.Messages, Body: *resp.Error}
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, string(jobs.CodeForbidden), err.Error())
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, string(jobs.CodeNotFound), "project not found")
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return newAPIError(http.StatusBadRequest, string(jobs.CodeInvalidState), err.Error())
	case errors.Is(err, statemachine.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, string(jobs.CodeInvalidRequest), err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, string(jobs.CodeInternal), "internal error")
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(jobs.CodeInvalidRequest)
	case http.StatusUnauthorized:
		return string(jobs.CodeUnauthorized)
	case http.StatusForbidden:
		return string(jobs.CodeForbidden)
	case http.StatusNotFound:
		return string(jobs.CodeNotFound)
	case http.StatusMethodNotAllowed:
		return string(jobs.CodeMethodNotAllowed)
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return string(jobs.CodeInternal)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

var routedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// rejectUnroutedMethods answers 405 for a known path requested with a method
// it does not serve, ahead of authentication.
func rejectUnroutedMethods(routes chi.Routes) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if r.Method == http.MethodHead || r.Method == http.MethodOptions || routes.Match(chi.NewRouteContext(), r.Method, path) {
				next.ServeHTTP(w, r)
				return
			}
			for _, m := range routedMethods {
				if routes.Match(chi.NewRouteContext(), m, path) {
					respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, "", fmt.Sprintf("method %s not allowed", r.Method)))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: ref}},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Provisioner API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		if err := db.Ping(ctx, a.DB); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unreachable")
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

var jobRoutes = []struct {
	slug    string
	jobType domain.JobType
	summary string
}{
	{"stage-templates", domain.JobStageTemplates, "Stage project templates"},
	{"apply-config", domain.JobApplyConfig, "Apply provider configuration"},
	{"init-memory", domain.JobInitMemory, "Initialize project storage"},
	{"validate", domain.JobValidate, "Validate the provisioned project"},
}

func registerJobs(api huma.API, a *app.App) {
	for _, route := range jobRoutes {
		jobType := route.jobType
		huma.Register(api, huma.Operation{
			OperationID: "run-" + route.slug,
			Method:      http.MethodPost,
			Path:        "/jobs/" + route.slug,
			Summary:     route.summary,
			Tags:        []string{"jobs"},
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			Body jobs.Request `json:"body"`
		}) (*struct {
			Body jobs.Response `json:"body"`
		}, error) {
			principal, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := authorizeJob(ctx, a, principal, input.Body.ProjectID); err != nil {
				return nil, handleError(err)
			}
			resp, err := a.Runner.Run(ctx, jobType, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body jobs.Response `json:"body"`
			}{Body: resp}, nil
		})
	}
}

// authorizeJob rejects principals that cannot act on an existing project.
// Malformed ids and unknown projects are left for the runner to report.
func authorizeJob(ctx context.Context, a *app.App, principal auth.Principal, projectID string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil
	}
	p, err := a.Repo.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return auth.Authorize(principal, p)
}

// loadProject fetches a project the caller may access.
func loadProject(ctx context.Context, a *app.App, projectID string) (domain.Project, auth.Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Project{}, auth.Principal{}, authErr
	}
	p, err := a.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, principal, handleError(err)
	}
	if err := auth.Authorize(principal, p); err != nil {
		return domain.Project{}, principal, handleError(err)
	}
	return p, principal, nil
}

type projectPath struct {
	ProjectID string `path:"project_id" format:"uuid"`
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ID
		if principal.Service && input.Body.OwnerID != "" {
			owner = input.Body.OwnerID
		}
		p, err := a.CreateProject(ctx, app.CreateProjectInput{ID: input.Body.ID, OwnerID: owner, Metadata: input.Body.Metadata})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List visible projects",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := principal.ID
		if principal.Service {
			owner = ""
		}
		items, err := a.Repo.ListProjects(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, _, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reset",
		Summary:     "Return a failed project to created",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, principal, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		p, err = a.ResetProject(ctx, p.ID, principal.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerCredentials(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "set-credential",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/credentials/{provider}",
		Summary:     "Store a provider credential",
		Description: "Stores ciphertext only. The first credential on a created project moves it to credentials_set.",
		Tags:        []string{"credentials"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id" format:"uuid"`
		Provider  string               `path:"provider" minLength:"1" maxLength:"64"`
		Body      SetCredentialRequest `json:"body"`
	}) (*struct {
		Body SetCredentialResponse `json:"body"`
	}, error) {
		p, principal, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		cred, p, err := a.SetCredential(ctx, app.SetCredentialInput{
			ProjectID:          p.ID,
			Provider:           input.Provider,
			Ciphertext:         input.Body.Ciphertext,
			KeyVersion:         input.Body.KeyVersion,
			VerificationStatus: domain.VerificationStatus(input.Body.VerificationStatus),
			ActorID:            principal.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SetCredentialResponse `json:"body"`
		}{Body: SetCredentialResponse{Credential: cred, Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-credentials",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/credentials",
		Summary:     "List provider credentials",
		Tags:        []string{"credentials"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Credential `json:"body"`
	}, error) {
		p, _, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		creds, err := a.Repo.ListCredentials(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if creds == nil {
			creds = []domain.Credential{}
		}
		return &struct {
			Body []domain.Credential `json:"body"`
		}{Body: creds}, nil
	})
}

func registerLedger(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/checkpoints",
		Summary:     "List ledger checkpoints",
		Tags:        []string{"ledger"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		p, _, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		items, err := a.Ledger.List(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Checkpoint{}
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: items}, nil
	})
}

func registerAudit(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audit",
		Summary:     "Page through the audit trail",
		Tags:        []string{"audit"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id" format:"uuid"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		p, _, err := loadProject(ctx, a, input.ProjectID)
		if err != nil {
			return nil, err
		}
		var cursor int64
		if input.Cursor != "" {
			cursor, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || cursor < 0 {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor")
			}
		}
		limit := normalizeLimit(input.Limit)
		items, err := a.Repo.AuditAfter(ctx, limit+1, cursor, p.ID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEvent{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
