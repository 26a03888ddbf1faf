package provisionersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal provisioner HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Job slugs in DAG order.
const (
	JobStageTemplates = "stage-templates"
	JobApplyConfig    = "apply-config"
	JobInitMemory     = "init-memory"
	JobValidate       = "validate"
)

var pipelineJobs = []string{JobStageTemplates, JobApplyConfig, JobInitMemory, JobValidate}

// StepResponse is the uniform result of a step invocation.
type StepResponse struct {
	Success      bool            `json:"success"`
	NextToken    string          `json:"next_token,omitempty"`
	State        string          `json:"state,omitempty"`
	Messages     []string        `json:"messages"`
	Error        *ErrorBody      `json:"error,omitempty"`
	CachedResult json.RawMessage `json:"cached_result,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Project represents the API project model.
type Project struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	State        string         `json:"state"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// Checkpoint represents one ledger entry.
type Checkpoint struct {
	ProjectID     string          `json:"project_id"`
	JobType       string          `json:"job_type"`
	Token         string          `json:"checkpoint_token"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
	NextToken     string          `json:"next_checkpoint_token,omitempty"`
	UpdatedAt     string          `json:"updated_at"`
}

// PipelineStep pairs a job with the token it ran under and its response.
type PipelineStep struct {
	Job      string
	Token    string
	Response StepResponse
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Messages   []string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunStep invokes one DAG node with the given checkpoint token.
func (c *Client) RunStep(ctx context.Context, job, projectID, token string) (StepResponse, error) {
	body := map[string]string{
		"project_id":       projectID,
		"checkpoint_token": token,
	}
	var resp StepResponse
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(job), body, &resp)
	return resp, err
}

// RunPipeline runs every node in order, chaining next tokens. It returns the
// steps run so far along with the first error.
func (c *Client) RunPipeline(ctx context.Context, projectID, firstToken string) ([]PipelineStep, error) {
	if firstToken == "" {
		return nil, fmt.Errorf("first checkpoint token is required")
	}
	var out []PipelineStep
	tok := firstToken
	for _, job := range pipelineJobs {
		resp, err := c.RunStep(ctx, job, projectID, tok)
		if err != nil {
			return out, fmt.Errorf("%s: %w", job, err)
		}
		out = append(out, PipelineStep{Job: job, Token: tok, Response: resp})
		if resp.NextToken == "" {
			break
		}
		tok = resp.NextToken
	}
	return out, nil
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// ListCheckpoints returns the ledger entries of a project.
func (c *Client) ListCheckpoints(ctx context.Context, projectID string) ([]Checkpoint, error) {
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/checkpoints", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env StepResponse
		if json.Unmarshal(b, &env) == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Messages = env.Messages
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
