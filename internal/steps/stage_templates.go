package steps

import (
	"context"
	"errors"
	"fmt"

	"provisioner/internal/domain"
	"provisioner/internal/jobs"
)

// DefaultTemplateSet is used when a project names no template_set in its metadata.
const DefaultTemplateSet = "default"

// ErrUnknownTemplateSet is returned for a template_set missing from the catalog.
var ErrUnknownTemplateSet = errors.New("unknown template set")

// TemplateSource resolves the templates to stage for a project.
type TemplateSource interface {
	Templates(ctx context.Context, p domain.Project) (set string, templates []string, err error)
}

// CatalogSource resolves templates from a static catalog keyed by set name.
type CatalogSource struct {
	Sets map[string][]string
}

func (c CatalogSource) Templates(_ context.Context, p domain.Project) (string, []string, error) {
	set := DefaultTemplateSet
	if v, ok := p.Metadata["template_set"].(string); ok && v != "" {
		set = v
	}
	templates, ok := c.Sets[set]
	if !ok {
		if set == DefaultTemplateSet && len(c.Sets) == 0 {
			return set, nil, nil
		}
		return set, nil, fmt.Errorf("%w %q", ErrUnknownTemplateSet, set)
	}
	return set, append([]string(nil), templates...), nil
}

func StageTemplates(d Deps) jobs.Step {
	return jobs.Step{
		JobType:     domain.JobStageTemplates,
		Requires:    []domain.State{domain.StateCredentialsSet},
		Enter:       domain.StateStaging,
		FailureCode: jobs.CodeStagingFailed,
		Label:       LabelStaged,
		Execute: func(ctx context.Context, sc jobs.StepContext) (jobs.Outcome, error) {
			set, templates, err := d.Templates.Templates(ctx, sc.Project)
			if errors.Is(err, ErrUnknownTemplateSet) {
				return jobs.Outcome{}, jobs.Fail(map[string]any{"template_set": set}, err.Error())
			}
			if err != nil {
				return jobs.Outcome{}, err
			}
			if templates == nil {
				templates = []string{}
			}
			msg := fmt.Sprintf("staged %d templates from set %s", len(templates), set)
			if len(templates) == 0 {
				msg = fmt.Sprintf("template set %s is empty; nothing staged", set)
			}
			return jobs.Outcome{
				Result: map[string]any{
					"template_set": set,
					"templates":    templates,
					"staged_count": len(templates),
				},
				Messages: []string{msg},
			}, nil
		},
	}
}
