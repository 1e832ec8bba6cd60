package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/types"
)

// Function type names the engine registers.
const (
	FuncPermission        = "permission"
	FuncUpdateIssueStatus = "update-issue-status"
	FuncCreateIssue       = "create-issue"
	FuncFireEvent         = "fire-event"
)

func (e *Engine) registerFunctions() {
	e.registry.RegisterCondition(FuncPermission, rules.ConditionFunc(e.permissionCondition))
	e.registry.RegisterValidator(FuncPermission, rules.ValidatorFunc(e.permissionValidator))
	e.registry.RegisterPostFunction(FuncUpdateIssueStatus, rules.PostFunctionFunc(updateIssueStatus))
	e.registry.RegisterPostFunction(FuncCreateIssue, rules.PostFunctionFunc(e.createIssue))
	e.registry.RegisterPostFunction(FuncFireEvent, rules.PostFunctionFunc(e.fireEvent))
}

func (e *Engine) permissionCondition(ctx context.Context, env *rules.Env, args map[string]string) (bool, error) {
	if env.Options.SkipPermissions {
		return true, nil
	}
	perm := args["permission"]
	if perm == "" {
		return false, errors.New("permission condition needs a 'permission' argument")
	}
	return e.permissions.HasPermission(ctx, perm, env.Issue, env.User), nil
}

func (e *Engine) permissionValidator(ctx context.Context, env *rules.Env, args map[string]string) error {
	ok, err := e.permissionCondition(ctx, env, args)
	if err != nil {
		return err
	}
	if !ok {
		return rules.Invalid("", fmt.Sprintf("User %q does not have the %q permission.", types.KeyOf(env.User), args["permission"]))
	}
	return nil
}

// updateIssueStatus sets the issue status to the one linked to the destination step.
func updateIssueStatus(_ context.Context, env *rules.Env, _ map[string]string) error {
	status, ok := env.Vars[VarTargetStatus].(string)
	if !ok || env.Issue == nil {
		return nil
	}
	env.Issue.StatusID = status
	return nil
}

// createIssue persists the issue being created and hands the stored copy back to the transition.
func (e *Engine) createIssue(ctx context.Context, env *rules.Env, _ map[string]string) error {
	if env.Issue == nil {
		return errors.New("no issue to create")
	}
	if env.Issue.ID != 0 {
		return nil
	}
	created, err := e.issues.Create(ctx, env.Issue)
	if err != nil {
		return err
	}
	env.Issue = created
	return nil
}

// fireEvent queues an issue event; it is published once the transition commits.
func (e *Engine) fireEvent(_ context.Context, env *rules.Env, args map[string]string) error {
	ev := events.Event{
		Type:  events.IssueTransitioned,
		Actor: types.KeyOf(env.User),
		At:    e.now(),
		Data: map[string]interface{}{
			"eventType": args["eventType"],
			"action":    env.Action.ID,
		},
	}
	if env.Issue != nil {
		ev.Subject = env.Issue.Key
		ev.Data["issue"] = env.Issue.ID
		ev.Data["status"] = env.Issue.StatusID
	}
	if env.Original != nil {
		ev.Data["previousStatus"] = env.Original.StatusID
	}
	env.Set(varEvents, append(pendingEvents(env), ev))
	return nil
}
