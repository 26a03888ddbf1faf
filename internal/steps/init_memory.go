package steps

import (
	"context"
	"fmt"

	"provisioner/internal/domain"
	"provisioner/internal/jobs"
)

// InitMemory prepares the project's storage bucket. The project stays in
// installing; validate moves it on.
func InitMemory(d Deps) jobs.Step {
	return jobs.Step{
		JobType:     domain.JobInitMemory,
		Requires:    []domain.State{domain.StateInstalling},
		FailureCode: jobs.CodeStorageInitFailed,
		Label:       LabelInitialized,
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			bucket := bucketFor(d, sc.Project)
			created, err := d.Storage.EnsureBucket(ctx, bucket)
			if err != nil {
				return jobs.Outcome{}, jobs.Fail(map[string]any{"backend": d.Storage.Name(), "bucket": bucket},
					fmt.Sprintf("storage initialization failed: %v", err))
			}
			msg := fmt.Sprintf("bucket %s ready", bucket)
			if created {
				msg = fmt.Sprintf("bucket %s created", bucket)
			}
			return jobs.Outcome{
				Result: map[string]any{
					"backend": d.Storage.Name(),
					"bucket":  bucket,
					"created": created,
				},
				Messages: []string{msg},
			}, nil
		},
	}
}
