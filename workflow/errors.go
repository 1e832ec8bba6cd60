package workflow

import "errors"

var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrWorkflowExists      = errors.New("workflow already exists")
	ErrWorkflowInUse       = errors.New("workflow is in use")
	ErrWorkflowNotEditable = errors.New("workflow is not editable")
	ErrWorkflowActive      = errors.New("active workflow must be edited through a draft")
	ErrDraftExists         = errors.New("draft workflow already exists")
	ErrDraftNotFound       = errors.New("draft workflow not found")
	ErrEntryNotFound       = errors.New("workflow entry not found")
	ErrNoCurrentStep       = errors.New("workflow entry has no current step")
	ErrStepNotFound        = errors.New("step not found")
	ErrNoStepForStatus     = errors.New("no step linked to status")
	ErrNoInitialAction     = errors.New("workflow has no initial action")
	ErrIssueNotCreated     = errors.New("initialization error: the initial action did not create the issue; check its post-functions include create-issue")
	ErrNoIssueEntry        = errors.New("issue has no workflow entry")
)
