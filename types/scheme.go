package types

import "time"

// DefaultIssueType is the wildcard key of a scheme mapping.
const DefaultIssueType = ""

// SystemDefaultWorkflow is the name of the built-in workflow every resolution falls back to.
const SystemDefaultWorkflow = "jira"

// SchemeMapping is the read side shared by assignable and draft schemes.
type SchemeMapping interface {
	WorkflowMap() map[string]string
}

// Scheme is an assignable workflow scheme. ID zero denotes the implicit system default scheme.
type Scheme struct {
	ID          int64             `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Mappings    map[string]string `json:"mappings" yaml:"mappings"`
}

// WorkflowMap returns the issue type to workflow name mapping.
func (s *Scheme) WorkflowMap() map[string]string {
	if s == nil {
		return nil
	}
	return s.Mappings
}

// IsDefault reports whether this is the implicit system default scheme.
func (s *Scheme) IsDefault() bool { return s == nil || s.ID == 0 }

// Clone returns a copy with its own mapping.
func (s *Scheme) Clone() *Scheme {
	if s == nil {
		return nil
	}
	out := *s
	out.Mappings = cloneStrings(s.Mappings)
	return &out
}

// DraftScheme stages changes to exactly one parent scheme.
type DraftScheme struct {
	ID             int64             `json:"id"`
	ParentID       int64             `json:"parentId"`
	Mappings       map[string]string `json:"mappings"`
	LastModifiedBy string            `json:"lastModifiedBy,omitempty"`
	LastModifiedAt time.Time         `json:"lastModifiedAt"`
}

// WorkflowMap returns the issue type to workflow name mapping.
func (d *DraftScheme) WorkflowMap() map[string]string {
	if d == nil {
		return nil
	}
	return d.Mappings
}

// Clone returns a copy with its own mapping.
func (d *DraftScheme) Clone() *DraftScheme {
	if d == nil {
		return nil
	}
	out := *d
	out.Mappings = cloneStrings(d.Mappings)
	return &out
}

// DefaultScheme returns the implicit system default scheme.
func DefaultScheme() *Scheme {
	return &Scheme{
		Name:        "Default Workflow Scheme",
		Description: "Default Workflow Scheme",
		Mappings:    map[string]string{DefaultIssueType: SystemDefaultWorkflow},
	}
}
