package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolmind/agent/internal/sandbox"
)

// Resolver adapts the catalog to sandbox.Resolver, letting tool code invoke
// execute_tool(name_or_id) and have the call land back in this store.
type Resolver struct {
	Store *Store
}

// Resolve looks a tool up by ID first, then by name, converting it to the
// sandbox package's own tool representation.
func (r Resolver) Resolve(ctx context.Context, nameOrID string) (sandbox.ToolDef, error) {
	t, err := r.Store.GetByID(ctx, nameOrID)
	if errors.Is(err, ErrNotFound) {
		t, err = r.Store.GetByName(ctx, nameOrID)
	}
	if err != nil {
		return sandbox.ToolDef{}, err
	}
	return toToolDef(t), nil
}

func toToolDef(t Tool) sandbox.ToolDef {
	params := make([]sandbox.ParamDef, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		params = append(params, sandbox.ParamDef{Name: p.Name, Type: p.Type, Required: p.Required})
	}
	return sandbox.ToolDef{
		ID:         t.ID,
		Name:       t.Name,
		Code:       t.Code,
		Parameters: params,
		IsActive:   t.IsActive,
		IsBugged:   t.IsBugged,
	}
}

// ExecuteAccounted resolves nameOrID, runs it through ex, and records
// exactly one of a success (RecordExecution) or a failure (ReportBug)
// outcome against the catalog row, regardless of how the sandbox call
// exits. NewAccountedExecutor adapts it to sandbox.AccountedExecutor so tool
// code can chain into other tools through execute_tool and still have each
// hop accounted for.
func (s *Store) ExecuteAccounted(ctx context.Context, ex *sandbox.Executor, bugThreshold int, nameOrID string, args map[string]interface{}) (interface{}, error) {
	t, err := s.GetByID(ctx, nameOrID)
	if errors.Is(err, ErrNotFound) {
		t, err = s.GetByName(ctx, nameOrID)
	}
	if err != nil {
		return nil, err
	}

	result := ex.Execute(ctx, toToolDef(t), args)
	if result.Err != nil {
		if _, berr := s.ReportBug(ctx, t.ID, result.Err.Kind, result.Err.Message, result.Err.Stack, bugThreshold); berr != nil {
			return nil, fmt.Errorf("%w (original error: %s)", berr, result.Err.Message)
		}
		return nil, result.Err
	}

	if _, err := s.RecordExecution(ctx, t.ID); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// accountedAdapter binds a Store, Executor, and bug threshold together so it
// can be handed to sandbox.Executor.SetAccountedExecutor without leaking
// those parameters into the sandbox package's narrower interface.
type accountedAdapter struct {
	store        *Store
	executor     *sandbox.Executor
	bugThreshold int
}

func (a accountedAdapter) ExecuteAccounted(ctx context.Context, nameOrID string, args map[string]interface{}) (interface{}, error) {
	return a.store.ExecuteAccounted(ctx, a.executor, a.bugThreshold, nameOrID, args)
}

// NewAccountedExecutor wires ex's execute_tool builtin back through s,
// closing the loop so composite tool chains can call other catalog tools.
func NewAccountedExecutor(s *Store, ex *sandbox.Executor, bugThreshold int) {
	ex.SetAccountedExecutor(accountedAdapter{store: s, executor: ex, bugThreshold: bugThreshold})
}
