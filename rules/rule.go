package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived variable to every expression.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided environment.
// "true" and "" always hold. The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if expression == "" || expression == "true" {
		return true, nil
	}

	scope := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}

	// Check cache with read lock
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		scope[k] = f(env)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
