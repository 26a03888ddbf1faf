package steps

import (
	"context"
	"fmt"

	"provisioner/internal/domain"
	"provisioner/internal/jobs"
)

// Configurer applies one provider credential to a project.
type Configurer interface {
	Apply(ctx context.Context, p domain.Project, c domain.Credential) error
}

// StatusConfigurer decides the outcome from the credential's verification
// status alone. Invalid and expired credentials fail.
type StatusConfigurer struct{}

func (StatusConfigurer) Apply(_ context.Context, _ domain.Project, c domain.Credential) error {
	switch c.VerificationStatus {
	case domain.VerificationVerified, domain.VerificationVerifying, domain.VerificationPending:
		return nil
	default:
		return fmt.Errorf("%s credential is %s", c.Provider, c.VerificationStatus)
	}
}

func ApplyConfig(d Deps) jobs.Step {
	return jobs.Step{
		JobType:     domain.JobApplyConfig,
		Requires:    []domain.State{domain.StateStaging},
		Enter:       domain.StateInstalling,
		FailureCode: jobs.CodeConfigurationFailed,
		Label:       LabelConfigured,
		SkipLabel:   LabelSkipped,
		ShouldSkip: func(ctx context.Context, p domain.Project) (bool, string, error) {
			n, err := d.Repo.CountCredentials(ctx, p.ID)
			if err != nil {
				return false, "", err
			}
			if n == 0 {
				return true, "no provider credentials configured; configuration skipped", nil
			}
			return false, "", nil
		},
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			creds, err := d.Repo.ListCredentials(ctx, sc.Project.ID)
			if err != nil {
				return jobs.Outcome{}, err
			}
			providers := map[string]string{}
			var ok, failed int
			var msgs, errs []string
			for _, c := range creds {
				if err := d.Configurer.Apply(ctx, sc.Project, c); err != nil {
					providers[c.Provider] = err.Error()
					failed++
					errs = append(errs, err.Error())
					continue
				}
				providers[c.Provider] = "applied"
				ok++
				msgs = append(msgs, fmt.Sprintf("%s configuration applied", c.Provider))
			}
			result := map[string]any{
				"success_count": ok,
				"failure_count": failed,
				"providers":     providers,
			}
			if ok == 0 && failed > 0 {
				return jobs.Outcome{}, jobs.Fail(result, errs...)
			}
			return jobs.Outcome{Result: result, Messages: append(msgs, errs...)}, nil
		},
	}
}
