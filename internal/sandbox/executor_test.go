package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	tools map[string]ToolDef
}

func (r stubResolver) Resolve(ctx context.Context, nameOrID string) (ToolDef, error) {
	if t, ok := r.tools[nameOrID]; ok {
		return t, nil
	}
	return ToolDef{}, errNotResolved
}

type notResolvedError struct{}

func (notResolvedError) Error() string { return "tool not found" }

var errNotResolved = notResolvedError{}

func testPolicy() *Policy {
	return &Policy{
		AllowedBuiltins: []string{"len", "range", "str", "int", "float", "bool", "list", "dict", "print"},
		DefaultTimeout:  2 * time.Second,
		MaxTimeout:      5 * time.Second,
		MaxCallDepth:    4,
	}
}

func TestExecutorRunsSimpleTool(t *testing.T) {
	tool := ToolDef{
		Name:       "add_numbers",
		Code:       "def run(a, b):\n    return a + b\n",
		Parameters: []ParamDef{{Name: "a", Type: "number", Required: true}, {Name: "b", Type: "number", Required: true}},
		IsActive:   true,
	}
	ex := NewExecutor(stubResolver{}, testPolicy())

	result := ex.Execute(context.Background(), tool, map[string]any{"a": float64(2), "b": float64(3)})
	require.Nil(t, result.Err)
	require.EqualValues(t, 5, result.Value)
}

func TestExecutorRejectsBuggedTool(t *testing.T) {
	tool := ToolDef{Name: "flaky", Code: "def run():\n    return 1\n", IsActive: true, IsBugged: true}
	ex := NewExecutor(stubResolver{}, testPolicy())

	result := ex.Execute(context.Background(), tool, nil)
	require.NotNil(t, result.Err)
	require.Equal(t, KindToolBugged, result.Err.Kind)
}

func TestExecutorRejectsInactiveTool(t *testing.T) {
	tool := ToolDef{Name: "retired", Code: "def run():\n    return 1\n", IsActive: false}
	ex := NewExecutor(stubResolver{}, testPolicy())

	result := ex.Execute(context.Background(), tool, nil)
	require.NotNil(t, result.Err)
	require.Equal(t, KindInactive, result.Err.Kind)
}

func TestExecutorMissingRequiredArgument(t *testing.T) {
	tool := ToolDef{
		Name:       "needs_arg",
		Code:       "def run(a):\n    return a\n",
		Parameters: []ParamDef{{Name: "a", Type: "number", Required: true}},
		IsActive:   true,
	}
	ex := NewExecutor(stubResolver{}, testPolicy())

	result := ex.Execute(context.Background(), tool, map[string]any{})
	require.NotNil(t, result.Err)
	require.Equal(t, KindBadArguments, result.Err.Kind)
}

func TestExecutorTimesOutOnInfiniteLoop(t *testing.T) {
	tool := ToolDef{
		Name:     "spin",
		Code:     "def run():\n    x = 0\n    while True:\n        x += 1\n    return x\n",
		IsActive: true,
	}
	policy := testPolicy()
	policy.DefaultTimeout = 50 * time.Millisecond
	ex := NewExecutor(stubResolver{}, policy)

	result := ex.Execute(context.Background(), tool, nil)
	require.NotNil(t, result.Err)
	require.Equal(t, KindTimeout, result.Err.Kind)
}

func TestExecutorHostAllowlist(t *testing.T) {
	policy := testPolicy()
	policy.AllowedHosts = []string{"example.com"}

	require.True(t, policy.HostAllowed("example.com"))
	require.True(t, policy.HostAllowed("EXAMPLE.com"))
	require.False(t, policy.HostAllowed("evil.example.net"))
}

func TestExecutorComposesThroughExecuteTool(t *testing.T) {
	inner := ToolDef{
		Name:       "double",
		Code:       "def run(n):\n    return n * 2\n",
		Parameters: []ParamDef{{Name: "n", Type: "number", Required: true}},
		IsActive:   true,
	}
	outer := ToolDef{
		Name:       "quadruple",
		Code:       "def run(n):\n    return execute_tool(\"double\", {\"n\": n}) * 2\n",
		Parameters: []ParamDef{{Name: "n", Type: "number", Required: true}},
		IsActive:   true,
	}

	ex := NewExecutor(stubResolver{tools: map[string]ToolDef{"double": inner}}, testPolicy())
	ex.SetAccountedExecutor(directAccounting{ex: ex, resolver: stubResolver{tools: map[string]ToolDef{"double": inner}}})

	result := ex.Execute(context.Background(), outer, map[string]any{"n": float64(3)})
	require.Nil(t, result.Err)
	require.EqualValues(t, 12, result.Value)
}

// directAccounting executes straight through the sandbox without any store
// bookkeeping, letting the composition test exercise execute_tool without
// pulling in the store package (which would create an import cycle with
// this test file's package).
type directAccounting struct {
	ex       *Executor
	resolver stubResolver
}

func (d directAccounting) ExecuteAccounted(ctx context.Context, nameOrID string, args map[string]any) (any, error) {
	t, err := d.resolver.Resolve(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	result := d.ex.Execute(ctx, t, args)
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Value, nil
}
