package types

import "time"

// User identifies the caller of an operation. A nil *User is anonymous.
type User struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// KeyOf returns the user key or "" for anonymous callers.
func KeyOf(u *User) string {
	if u == nil {
		return ""
	}
	return u.Key
}

// Status is an entry of the external status catalog.
type Status struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Issue is the subject driven through a workflow.
type Issue struct {
	ID              int64             `json:"id"`
	Key             string            `json:"key"`
	ProjectID       int64             `json:"projectId"`
	IssueTypeID     string            `json:"issueTypeId"`
	StatusID        string            `json:"statusId"`
	Summary         string            `json:"summary"`
	AssigneeKey     string            `json:"assignee,omitempty"`
	ReporterKey     string            `json:"reporter,omitempty"`
	SecurityLevelID int64             `json:"securityLevel,omitempty"`
	ParentID        int64             `json:"parentId,omitempty"`
	WorkflowEntryID int64             `json:"workflowId,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
	Created         time.Time         `json:"created"`
	Updated         time.Time         `json:"updated"`
}

// Clone returns a copy with its own field map.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	out := *i
	out.Fields = cloneStrings(i.Fields)
	return &out
}

// Field returns a custom or system field value.
func (i *Issue) Field(name string) string {
	switch name {
	case "summary":
		return i.Summary
	case "assignee":
		return i.AssigneeKey
	case "reporter":
		return i.ReporterKey
	case "status":
		return i.StatusID
	case "issuetype":
		return i.IssueTypeID
	}
	return i.Fields[name]
}

// SetField writes a custom or system field value.
func (i *Issue) SetField(name, value string) {
	switch name {
	case "summary":
		i.Summary = value
	case "assignee":
		i.AssigneeKey = value
	case "reporter":
		i.ReporterKey = value
	default:
		if i.Fields == nil {
			i.Fields = make(map[string]string)
		}
		i.Fields[name] = value
	}
}

// Env exposes the issue to condition expressions.
func (i *Issue) Env() map[string]interface{} {
	fields := make(map[string]interface{}, len(i.Fields))
	for k, v := range i.Fields {
		fields[k] = v
	}
	return map[string]interface{}{
		"id":            i.ID,
		"key":           i.Key,
		"project":       i.ProjectID,
		"issueType":     i.IssueTypeID,
		"status":        i.StatusID,
		"summary":       i.Summary,
		"assignee":      i.AssigneeKey,
		"reporter":      i.ReporterKey,
		"securityLevel": i.SecurityLevelID,
		"fields":        fields,
	}
}

// Project is the owner of issues and the unit schemes are attached to.
type Project struct {
	ID   int64  `json:"id" yaml:"id"`
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}
