package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Issue field comparison",
			expression: `issue.status == "1"`,
			env:        map[string]interface{}{"issue": map[string]interface{}{"status": "1"}},
			wantResult: true,
		},
		{
			name:       "Input comparison",
			expression: `inputs.resolution != ""`,
			env:        map[string]interface{}{"inputs": map[string]interface{}{"resolution": ""}},
			wantResult: false,
		},
		{
			name:       "Empty expression holds",
			expression: "",
			wantResult: true,
		},
		{
			name:       "Undefined variable is nil",
			expression: "missing == nil",
			env:        map[string]interface{}{},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			env:        map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			env:        map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Option funcs do not leak into the caller env", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddOptionFunc("isAdmin", func(env map[string]interface{}) interface{} {
			return env["user"] == "admin"
		})
		env := map[string]interface{}{"user": "admin"}
		ok, err := ev.Evaluate("isAdmin", env)
		assert.NoError(t, err)
		assert.True(t, ok)
		_, leaked := env["isAdmin"]
		assert.False(t, leaked)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(i int) {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", map[string]interface{}{"value": i + 1})
				assert.NoError(t, err)
				assert.True(t, result)
			}(i)
		}
		wg.Wait()
	})
}

// BenchmarkEvaluate benchmarks Evaluate on a cached program.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	env := map[string]interface{}{"issue": map[string]interface{}{"status": "3"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(`issue.status == "3"`, env)
	}
}
