// Package steps holds the four provisioning DAG nodes run by jobs.Runner.
package steps

import (
	"provisioner/internal/domain"
	"provisioner/internal/jobs"
	"provisioner/internal/ledger"
	"provisioner/internal/repo"
	"provisioner/internal/storage"
)

// Success labels reported in step responses.
const (
	LabelStaged      = "stage-complete"
	LabelConfigured  = "config-applied"
	LabelSkipped     = "config-skipped"
	LabelInitialized = "memory-initialized"
	LabelComplete    = "complete"
)

// Deps are the collaborators shared by the steps.
type Deps struct {
	Repo         repo.Repo
	Ledger       ledger.Ledger
	Templates    TemplateSource
	Configurer   Configurer
	Storage      storage.Provisioner
	BucketPrefix string
	Endpoints    EndpointChecker
}

func (d Deps) withDefaults() Deps {
	if d.Templates == nil {
		d.Templates = CatalogSource{}
	}
	if d.Configurer == nil {
		d.Configurer = StatusConfigurer{}
	}
	if d.Storage == nil {
		d.Storage = storage.NewNoop()
	}
	if d.Endpoints == nil {
		d.Endpoints = SimulatedEndpoints{}
	}
	return d
}

// All returns the DAG nodes in execution order.
func All(d Deps) []jobs.Step {
	d = d.withDefaults()
	return []jobs.Step{
		StageTemplates(d),
		ApplyConfig(d),
		InitMemory(d),
		Validate(d),
	}
}

func bucketFor(d Deps, p domain.Project) string {
	return storage.BucketName(d.BucketPrefix, p.ID)
}
