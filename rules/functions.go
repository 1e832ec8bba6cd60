package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/issue-workflow/types"
)

// ErrUnknownFunction is returned when a graph names a function nobody registered.
var ErrUnknownFunction = errors.New("function type not registered")

// Options tune how a transition is evaluated.
type Options struct {
	SkipConditions  bool
	SkipValidators  bool
	SkipPermissions bool
}

// Env is what conditions, validators and post-functions see of a transition.
type Env struct {
	Issue    *types.Issue
	Original *types.Issue
	User     *types.User
	Graph    *types.WorkflowGraph
	Action   types.Action
	StepID   int
	Inputs   map[string]string
	Options  Options
	Vars     map[string]interface{}
}

// Map flattens the environment for expression evaluation.
func (e *Env) Map() map[string]interface{} {
	m := map[string]interface{}{
		"user":   types.KeyOf(e.User),
		"action": e.Action.ID,
		"step":   e.StepID,
	}
	if e.Issue != nil {
		m["issue"] = e.Issue.Env()
	}
	inputs := make(map[string]interface{}, len(e.Inputs))
	for k, v := range e.Inputs {
		inputs[k] = v
	}
	m["inputs"] = inputs
	for k, v := range e.Vars {
		m[k] = v
	}
	return m
}

// Set stores a transient variable visible to later functions of the same transition.
func (e *Env) Set(name string, value interface{}) {
	if e.Vars == nil {
		e.Vars = make(map[string]interface{})
	}
	e.Vars[name] = value
}

// Condition hides a transition when it does not pass.
type Condition interface {
	Passes(ctx context.Context, env *Env, args map[string]string) (bool, error)
}

// ConditionFunc is a function adapter for Condition.
type ConditionFunc func(ctx context.Context, env *Env, args map[string]string) (bool, error)

// Passes implements the Condition interface.
func (f ConditionFunc) Passes(ctx context.Context, env *Env, args map[string]string) (bool, error) {
	return f(ctx, env, args)
}

// Validator rejects a transition with user-facing errors.
type Validator interface {
	Validate(ctx context.Context, env *Env, args map[string]string) error
}

// ValidatorFunc is a function adapter for Validator.
type ValidatorFunc func(ctx context.Context, env *Env, args map[string]string) error

// Validate implements the Validator interface.
func (f ValidatorFunc) Validate(ctx context.Context, env *Env, args map[string]string) error {
	return f(ctx, env, args)
}

// PostFunction runs after the destination step is known.
type PostFunction interface {
	Execute(ctx context.Context, env *Env, args map[string]string) error
}

// PostFunctionFunc is a function adapter for PostFunction.
type PostFunctionFunc func(ctx context.Context, env *Env, args map[string]string) error

// Execute implements the PostFunction interface.
func (f PostFunctionFunc) Execute(ctx context.Context, env *Env, args map[string]string) error {
	return f(ctx, env, args)
}

// InvalidInputError carries the field-keyed messages of a rejecting validator.
type InvalidInputError struct {
	Errors types.ErrorCollection
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Errors.String()
}

// Invalid builds an InvalidInputError for one field, or a general message when field is "".
func Invalid(field, message string) *InvalidInputError {
	var c types.ErrorCollection
	if field == "" {
		c.AddMessage(message)
	} else {
		c.AddError(field, message)
	}
	return &InvalidInputError{Errors: c}
}

// WrapSkippableCondition makes inner pass unconditionally whenever isSkipped holds.
func WrapSkippableCondition(inner Condition, isSkipped func(env *Env) bool) Condition {
	return ConditionFunc(func(ctx context.Context, env *Env, args map[string]string) (bool, error) {
		if isSkipped(env) {
			return true, nil
		}
		return inner.Passes(ctx, env, args)
	})
}

// WrapSkippableValidator makes inner accept everything whenever isSkipped holds.
func WrapSkippableValidator(inner Validator, isSkipped func(env *Env) bool) Validator {
	return ValidatorFunc(func(ctx context.Context, env *Env, args map[string]string) error {
		if isSkipped(env) {
			return nil
		}
		return inner.Validate(ctx, env, args)
	})
}

func conditionsSkipped(env *Env) bool { return env != nil && env.Options.SkipConditions }
func validatorsSkipped(env *Env) bool { return env != nil && env.Options.SkipValidators }

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func builtinConditions(ev Evaluator) map[string]Condition {
	return map[string]Condition{
		"expression": ConditionFunc(func(ctx context.Context, env *Env, args map[string]string) (bool, error) {
			return ev.Evaluate(args["expression"], env.Map())
		}),
		"always-false": ConditionFunc(func(context.Context, *Env, map[string]string) (bool, error) {
			return false, nil
		}),
		"allow-only-assignee": ConditionFunc(func(ctx context.Context, env *Env, args map[string]string) (bool, error) {
			if env.Issue == nil || env.User == nil {
				return false, nil
			}
			return env.Issue.AssigneeKey != "" && env.Issue.AssigneeKey == env.User.Key, nil
		}),
		"allow-only-reporter": ConditionFunc(func(ctx context.Context, env *Env, args map[string]string) (bool, error) {
			if env.Issue == nil || env.User == nil {
				return false, nil
			}
			return env.Issue.ReporterKey == env.User.Key, nil
		}),
	}
}

func builtinValidators(ev Evaluator) map[string]Validator {
	return map[string]Validator{
		"expression": ValidatorFunc(func(ctx context.Context, env *Env, args map[string]string) error {
			ok, err := ev.Evaluate(args["expression"], env.Map())
			if err != nil {
				return fmt.Errorf("validator expression %q: %w", args["expression"], err)
			}
			if !ok {
				msg := args["message"]
				if msg == "" {
					msg = "transition rejected"
				}
				return Invalid(args["field"], msg)
			}
			return nil
		}),
		"field-required": ValidatorFunc(func(ctx context.Context, env *Env, args map[string]string) error {
			var c types.ErrorCollection
			for _, field := range splitList(args["fields"]) {
				if v, ok := env.Inputs[field]; ok && strings.TrimSpace(v) != "" {
					continue
				}
				if env.Issue != nil && strings.TrimSpace(env.Issue.Field(field)) != "" {
					continue
				}
				c.AddError(field, field+" is required")
			}
			if c.HasAnyErrors() {
				return &InvalidInputError{Errors: c}
			}
			return nil
		}),
	}
}

func builtinPostFunctions() map[string]PostFunction {
	return map[string]PostFunction{
		"set-field": PostFunctionFunc(func(ctx context.Context, env *Env, args map[string]string) error {
			if env.Issue == nil || args["field"] == "" {
				return nil
			}
			env.Issue.SetField(args["field"], args["value"])
			return nil
		}),
		"assign-to-current-user": PostFunctionFunc(func(ctx context.Context, env *Env, args map[string]string) error {
			if env.Issue != nil && env.User != nil {
				env.Issue.AssigneeKey = env.User.Key
			}
			return nil
		}),
	}
}
