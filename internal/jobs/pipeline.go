package jobs

import (
	"context"
	"fmt"

	"provisioner/internal/domain"
)

// PipelineStep is the outcome of one node in a pipeline run.
type PipelineStep struct {
	JobType  domain.JobType `json:"job_type"`
	Token    string         `json:"checkpoint_token"`
	Response Response       `json:"response"`
}

// Pipeline drives every DAG node in order, handing each successor token to
// the next node.
type Pipeline struct {
	Runner *Runner
}

// Run starts at firstToken, or a fresh token when empty, and stops at the
// first error.
func (p Pipeline) Run(ctx context.Context, projectID, firstToken string) ([]PipelineStep, error) {
	tok := firstToken
	if tok == "" {
		var err error
		if tok, err = p.Runner.newToken(); err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
	}
	var out []PipelineStep
	for _, jt := range domain.JobTypes {
		resp, err := p.Runner.Run(ctx, jt, Request{ProjectID: projectID, CheckpointToken: tok})
		if err != nil {
			out = append(out, PipelineStep{JobType: jt, Token: tok, Response: ErrorResponse(err)})
			return out, fmt.Errorf("%s: %w", jt, err)
		}
		out = append(out, PipelineStep{JobType: jt, Token: tok, Response: resp})
		if resp.NextToken == "" {
			break
		}
		tok = resp.NextToken
	}
	return out, nil
}
