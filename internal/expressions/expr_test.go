package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"a": 10, "b": 3}

	t.Run("addition", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "a + b", data)
		require.NoError(t, err)
		assert.Equal(t, 13, out)
	})

	t.Run("multiplication", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "a * b", data)
		require.NoError(t, err)
		assert.Equal(t, 30, out)
	})
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_CheckRequiresBoolean(t *testing.T) {
	e := NewExprEngine()

	require.NoError(t, e.Check("count > 5"))
	require.NoError(t, e.Check("state.approved == true"))

	err := e.Check("1 + 2")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check("count >")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr_NowDisabled(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "now()", nil)
	require.Error(t, err)
}

func TestExpr_EvaluateCondition(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	vars := map[string]any{"count": 10, "approved": true, "name": "alice"}

	cases := []struct {
		expr string
		want bool
	}{
		{"count > 5", true},
		{"count > 50", false},
		{"state.count > 5", true},
		{"state.variables.count == 10", true},
		{"approved", true},
		{`name == "alice" && approved`, true},
		{`state.name startsWith "bob"`, false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := e.EvaluateCondition(ctx, tc.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpr_VariablesShadowBuiltins(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	vars := map[string]any{
		"count": 10, "len": 3, "max": 7, "all": true, "sum": 2,
		"items": []any{1, 2, 3},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"count > 5", true},
		{"len < max", true},
		{"all && sum == 2", true},
		{"len(items) == 3", true},
		{"state.count == count", true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			require.NoError(t, e.Check(tc.expr))
			got, err := e.EvaluateCondition(ctx, tc.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpr_ConditionEnv(t *testing.T) {
	vars := map[string]any{"x": 1}
	env := ConditionEnv(vars)

	assert.Equal(t, 1, env["x"])
	state, ok := env["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, state["x"])
	assert.Equal(t, vars, state["variables"])
}

func TestExpr_ConditionEnv_VariablesKeyTaken(t *testing.T) {
	vars := map[string]any{"variables": "mine"}
	state := ConditionEnv(vars)["state"].(map[string]any)
	assert.Equal(t, "mine", state["variables"])
}

func TestExpr_ConditionEnv_DoesNotMutateInput(t *testing.T) {
	vars := map[string]any{"x": 1}
	_ = ConditionEnv(vars)
	assert.Len(t, vars, 1)
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := e.EvaluateCondition(context.Background(), "n >= 0", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.True(t, got)
		}(i)
	}
	wg.Wait()
}
