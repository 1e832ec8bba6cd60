package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/songzhibin97/issue-workflow/types"
)

// Registry resolves the function specs of a graph to implementations.
type Registry struct {
	mu            sync.RWMutex
	evaluator     Evaluator
	conditions    map[string]Condition
	validators    map[string]Validator
	postFunctions map[string]PostFunction
}

// NewRegistry creates a registry preloaded with the built-in functions.
func NewRegistry(evaluator Evaluator) *Registry {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	r := &Registry{
		evaluator:     evaluator,
		conditions:    make(map[string]Condition),
		validators:    make(map[string]Validator),
		postFunctions: make(map[string]PostFunction),
	}
	for name, c := range builtinConditions(evaluator) {
		r.RegisterCondition(name, c)
	}
	for name, v := range builtinValidators(evaluator) {
		r.RegisterValidator(name, v)
	}
	for name, f := range builtinPostFunctions() {
		r.RegisterPostFunction(name, f)
	}
	return r
}

// Evaluator returns the expression evaluator used for guards.
func (r *Registry) Evaluator() Evaluator {
	return r.evaluator
}

// RegisterCondition registers a condition; it is force-satisfied when the caller skips conditions.
func (r *Registry) RegisterCondition(name string, c Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[name] = WrapSkippableCondition(c, conditionsSkipped)
}

// RegisterValidator registers a validator; it is bypassed when the caller skips validators.
func (r *Registry) RegisterValidator(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = WrapSkippableValidator(v, validatorsSkipped)
}

// RegisterPostFunction registers a post-function.
func (r *Registry) RegisterPostFunction(name string, f PostFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postFunctions[name] = f
}

func (r *Registry) condition(name string) (Condition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[name]
	if !ok {
		return nil, fmt.Errorf("%w: condition %q", ErrUnknownFunction, name)
	}
	return c, nil
}

func (r *Registry) validator(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	if !ok {
		return nil, fmt.Errorf("%w: validator %q", ErrUnknownFunction, name)
	}
	return v, nil
}

func (r *Registry) postFunction(name string) (PostFunction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.postFunctions[name]
	if !ok {
		return nil, fmt.Errorf("%w: post-function %q", ErrUnknownFunction, name)
	}
	return f, nil
}

// PassesRestriction evaluates an AND/OR restriction. An empty restriction passes.
func (r *Registry) PassesRestriction(ctx context.Context, restriction *types.Restriction, env *Env) (bool, error) {
	if restriction.Empty() {
		return true, nil
	}
	or := strings.EqualFold(restriction.Operator, types.RestrictionOr)
	for _, spec := range restriction.Conditions {
		c, err := r.condition(spec.Type)
		if err != nil {
			return false, err
		}
		ok, err := c.Passes(ctx, env, spec.Args)
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", spec.Type, err)
		}
		if spec.Arg("negate") == "true" && !conditionsSkipped(env) {
			ok = !ok
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

// PassesResult evaluates the guard expression and conditions of a conditional result.
func (r *Registry) PassesResult(ctx context.Context, result types.ConditionalResult, env *Env) (bool, error) {
	if result.Guard != "" {
		ok, err := r.evaluator.Evaluate(result.Guard, env.Map())
		if err != nil {
			return false, fmt.Errorf("failed to evaluate guard '%s': %w", result.Guard, err)
		}
		if !ok {
			return false, nil
		}
	}
	return r.PassesRestriction(ctx, result.Conditions, env)
}

// Validate runs validators in order and stops at the first rejection.
// Rejections come back as an error collection; anything else is returned as an error.
func (r *Registry) Validate(ctx context.Context, specs []types.FunctionSpec, env *Env) (types.ErrorCollection, error) {
	for _, spec := range specs {
		v, err := r.validator(spec.Type)
		if err != nil {
			return types.ErrorCollection{}, err
		}
		err = v.Validate(ctx, env, spec.Args)
		if err == nil {
			continue
		}
		var invalid *InvalidInputError
		if errors.As(err, &invalid) {
			return invalid.Errors, nil
		}
		return types.ErrorCollection{}, fmt.Errorf("validator %q: %w", spec.Type, err)
	}
	return types.ErrorCollection{}, nil
}

// RunPostFunctions executes post-functions in declaration order.
func (r *Registry) RunPostFunctions(ctx context.Context, specs []types.FunctionSpec, env *Env) error {
	for _, spec := range specs {
		f, err := r.postFunction(spec.Type)
		if err != nil {
			return err
		}
		if err := f.Execute(ctx, env, spec.Args); err != nil {
			return fmt.Errorf("post-function %q: %w", spec.Type, err)
		}
	}
	return nil
}

// CheckGraph reports every function a graph references that is not registered.
func (r *Registry) CheckGraph(g *types.WorkflowGraph) error {
	var errs []error
	checkRestriction := func(res *types.Restriction) {
		if res == nil {
			return
		}
		for _, c := range res.Conditions {
			if _, err := r.condition(c.Type); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, a := range g.AllActions() {
		checkRestriction(a.Restriction)
		for _, res := range a.ConditionalResults {
			checkRestriction(res.Conditions)
		}
		for _, v := range a.Validators {
			if _, err := r.validator(v.Type); err != nil {
				errs = append(errs, err)
			}
		}
		for _, f := range a.PostFunctions {
			if _, err := r.postFunction(f.Type); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
