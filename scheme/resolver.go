package scheme

import (
	"context"

	"github.com/songzhibin97/issue-workflow/types"
)

// ResolveWorkflowName returns the workflow for issueTypeID: the explicit mapping,
// else the wildcard mapping, else the system default workflow. It never fails.
func ResolveWorkflowName(m types.SchemeMapping, issueTypeID string) string {
	return resolveWith(m, issueTypeID, types.SystemDefaultWorkflow)
}

func resolveWith(m types.SchemeMapping, issueTypeID, fallback string) string {
	var mapping map[string]string
	if m != nil {
		mapping = m.WorkflowMap()
	}
	if name := mapping[issueTypeID]; name != "" {
		return name
	}
	if name := mapping[types.DefaultIssueType]; name != "" {
		return name
	}
	return fallback
}

// Resolver resolves workflows for projects through their attached scheme.
type Resolver struct {
	schemes       *Repository
	associations  *Associations
	systemDefault string
}

// NewResolver creates a project-level resolver. An empty systemDefault means the built-in "jira" workflow.
func NewResolver(schemes *Repository, associations *Associations, systemDefault string) *Resolver {
	if systemDefault == "" {
		systemDefault = types.SystemDefaultWorkflow
	}
	return &Resolver{schemes: schemes, associations: associations, systemDefault: systemDefault}
}

// SchemeForProject returns the scheme attached to a project, or the implicit default
// scheme when none is attached or the attached scheme no longer exists.
func (r *Resolver) SchemeForProject(ctx context.Context, projectID int64) (*types.Scheme, error) {
	id, ok, err := r.associations.SchemeIDForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if ok {
		s, found, err := r.schemes.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			return s, nil
		}
	}
	return r.defaultScheme(), nil
}

func (r *Resolver) defaultScheme() *types.Scheme {
	s := types.DefaultScheme()
	s.Mappings[types.DefaultIssueType] = r.systemDefault
	return s
}

// ResolveWorkflowName resolves a scheme mapping with the configured system default.
func (r *Resolver) ResolveWorkflowName(m types.SchemeMapping, issueTypeID string) string {
	return resolveWith(m, issueTypeID, r.systemDefault)
}

// WorkflowNameForProject resolves the workflow governing issues of issueTypeID in a project.
func (r *Resolver) WorkflowNameForProject(ctx context.Context, projectID int64, issueTypeID string) (string, error) {
	s, err := r.SchemeForProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return r.ResolveWorkflowName(s, issueTypeID), nil
}

// SystemDefault returns the name every resolution falls back to.
func (r *Resolver) SystemDefault() string {
	return r.systemDefault
}
