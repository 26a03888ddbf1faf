package steps

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"provisioner/internal/domain"
	"provisioner/internal/jobs"
)

// Check is one validation probe. A failed critical check fails the project.
type Check struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// EndpointChecker reports whether the project's public endpoints answer.
type EndpointChecker interface {
	Check(ctx context.Context, p domain.Project) error
}

// SimulatedEndpoints always reports endpoints as reachable.
type SimulatedEndpoints struct{}

func (SimulatedEndpoints) Check(context.Context, domain.Project) error { return nil }

// upstream lists the steps that must have finished before validate can pass.
var upstream = []domain.JobType{domain.JobStageTemplates, domain.JobApplyConfig, domain.JobInitMemory}

func Validate(d Deps) jobs.Step {
	return jobs.Step{
		JobType:     domain.JobValidate,
		Requires:    []domain.State{domain.StateInstalling, domain.StateValidated},
		Enter:       domain.StateValidated,
		OnSuccess:   domain.StateComplete,
		Terminal:    true,
		FailureCode: jobs.CodeValidationFailed,
		Label:       LabelComplete,
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			checks, err := runChecks(ctx, d, sc.Project)
			if err != nil {
				return jobs.Outcome{}, err
			}
			var critical, warnings []string
			for _, c := range checks {
				switch {
				case c.Passed:
				case c.Critical:
					critical = append(critical, c.Message)
				default:
					warnings = append(warnings, c.Message)
				}
			}
			if warnings == nil {
				warnings = []string{}
			}
			result := map[string]any{
				"passed":   len(critical) == 0,
				"checks":   checks,
				"warnings": warnings,
			}
			if len(critical) > 0 {
				return jobs.Outcome{}, jobs.Fail(result, critical...)
			}
			return jobs.Outcome{
				Result:   result,
				Messages: append([]string{fmt.Sprintf("validation passed (%d checks)", len(checks))}, warnings...),
			}, nil
		},
	}
}

// runChecks runs the check groups concurrently and returns their results in
// a stable order.
func runChecks(ctx context.Context, d Deps, p domain.Project) ([]Check, error) {
	groups := []func(context.Context) ([]Check, error){
		func(ctx context.Context) ([]Check, error) { return credentialChecks(ctx, d, p) },
		func(ctx context.Context) ([]Check, error) { return upstreamChecks(ctx, d, p) },
		func(ctx context.Context) ([]Check, error) { return []Check{storageCheck(ctx, d, p)}, nil },
		func(ctx context.Context) ([]Check, error) { return []Check{endpointCheck(ctx, d, p)}, nil },
	}
	results := make([][]Check, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range groups {
		g.Go(func() error {
			res, err := fn(gctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Check
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func credentialChecks(ctx context.Context, d Deps, p domain.Project) ([]Check, error) {
	creds, err := d.Repo.ListCredentials(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		return []Check{{Name: "credentials", Message: "no provider credentials configured"}}, nil
	}
	out := make([]Check, 0, len(creds))
	for _, c := range creds {
		check := Check{Name: "credential:" + c.Provider}
		switch c.VerificationStatus {
		case domain.VerificationVerified:
			check.Passed = true
		case domain.VerificationPending, domain.VerificationVerifying:
			check.Message = fmt.Sprintf("%s credential is not yet verified (%s)", c.Provider, c.VerificationStatus)
		default:
			check.Critical = true
			check.Message = fmt.Sprintf("%s credential is %s", c.Provider, c.VerificationStatus)
		}
		out = append(out, check)
	}
	return out, nil
}

func upstreamChecks(ctx context.Context, d Deps, p domain.Project) ([]Check, error) {
	out := make([]Check, 0, len(upstream))
	for _, jt := range upstream {
		done, err := d.Ledger.Completed(ctx, p.ID, jt)
		if err != nil {
			return nil, fmt.Errorf("check %s checkpoint: %w", jt, err)
		}
		check := Check{Name: "checkpoint:" + string(jt), Critical: true, Passed: done}
		if !done {
			check.Message = fmt.Sprintf("%s has not completed", jt)
		}
		out = append(out, check)
	}
	return out, nil
}

func storageCheck(ctx context.Context, d Deps, p domain.Project) Check {
	bucket := bucketFor(d, p)
	check := Check{Name: "storage", Critical: true, Passed: true}
	if err := d.Storage.Probe(ctx, bucket); err != nil {
		check.Passed = false
		check.Message = fmt.Sprintf("storage bucket %s unreachable: %v", bucket, err)
	}
	return check
}

func endpointCheck(ctx context.Context, d Deps, p domain.Project) Check {
	check := Check{Name: "endpoints", Passed: true}
	if err := d.Endpoints.Check(ctx, p); err != nil {
		check.Passed = false
		check.Message = fmt.Sprintf("endpoint check failed: %v", err)
	}
	return check
}
