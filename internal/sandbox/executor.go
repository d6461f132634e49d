// Package sandbox evaluates tool code inside a restricted Starlark
// interpreter: no filesystem or process environment access, a fixed set of
// predeclared helper modules, and a depth- and cycle-bounded execute_tool
// builtin for composing other tools.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// fileOptions enables the 'while' statement inside tool bodies; the sandbox
// otherwise uses starlark's default (legacy) dialect.
var fileOptions = &syntax.FileOptions{While: true}

// isCancelled reports whether err is the error starlark.Thread produces when
// execution was aborted via Thread.Cancel; the starlark package exposes no
// other way to distinguish this from an ordinary evaluation error.
func isCancelled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Starlark computation cancelled")
}

// Error kinds mirror the execution contract's taxonomy; AG and the REST
// layer switch on these to decide how to react.
const (
	KindToolBugged     = "ToolBugged"
	KindInactive       = "Inactive"
	KindBadArguments   = "BadArguments"
	KindCompileError   = "CompileError"
	KindRuntimeError   = "RuntimeError"
	KindTimeout        = "Timeout"
	KindResourceDenied = "ResourceDenied"
	KindCycle          = "cycle"
)

// Error is a structured execution failure.
type Error struct {
	Kind    string
	Message string
	Stack   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of one Execute call: exactly one of Value or Err is set.
type Result struct {
	Value any
	Err   *Error
}

// ParamDef describes one declared tool argument, independent of the store's
// persistence-facing Parameter type.
type ParamDef struct {
	Name     string
	Type     string
	Required bool
}

// ToolDef is the minimal view of a tool the sandbox needs to execute it.
type ToolDef struct {
	ID         string
	Name       string
	Code       string
	Parameters []ParamDef
	IsActive   bool
	IsBugged   bool
}

// Resolver looks up a tool by id or name for the execute_tool builtin.
type Resolver interface {
	Resolve(ctx context.Context, nameOrID string) (ToolDef, error)
}

// AccountedExecutor is the store-side call-through that guarantees
// exactly-once execution_count/bug accounting; the sandbox composes through
// it rather than recursing into its own Execute directly, so chained calls
// get the same telemetry guarantees as top-level ones.
type AccountedExecutor interface {
	ExecuteAccounted(ctx context.Context, nameOrID string, args map[string]any) (any, error)
}

// Executor runs tool code in a fresh Starlark namespace per call.
type Executor struct {
	resolver   Resolver
	accounted  AccountedExecutor
	policy     *Policy
	httpClient *http.Client
}

// NewExecutor constructs an Executor bound to the given tool resolver and policy.
func NewExecutor(resolver Resolver, policy *Policy) *Executor {
	return &Executor{
		resolver:   resolver,
		policy:     policy,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetAccountedExecutor wires the store-level accounted executor used by the
// execute_tool builtin. Done post-construction since the store depends on
// the sandbox package, not the reverse.
func (ex *Executor) SetAccountedExecutor(a AccountedExecutor) {
	ex.accounted = a
}

type chainState struct {
	depth   int
	visited map[string]bool
}

type chainStateKey struct{}

func withChain(ctx context.Context, cs *chainState) context.Context {
	return context.WithValue(ctx, chainStateKey{}, cs)
}

func chainFrom(ctx context.Context) *chainState {
	if cs, ok := ctx.Value(chainStateKey{}).(*chainState); ok {
		return cs
	}
	return &chainState{}
}

// Execute runs tool against args, enforcing the guard, validation, compile,
// and timeout steps of the execution contract. Callers that need
// execution_count/bug_log updated should prefer the store's
// ExecuteAccounted wrapper; Execute itself performs no persistence.
func (ex *Executor) Execute(ctx context.Context, tool ToolDef, args map[string]any) Result {
	recordMetrics(ctx, Request{ToolName: tool.Name})
	if tool.IsBugged {
		return Result{Err: &Error{Kind: KindToolBugged, Message: fmt.Sprintf("tool %q is bugged", tool.Name)}}
	}
	if !tool.IsActive {
		return Result{Err: &Error{Kind: KindInactive, Message: fmt.Sprintf("tool %q is inactive", tool.Name)}}
	}

	coerced, err := validateAndCoerceArgs(tool.Parameters, args)
	if err != nil {
		return Result{Err: &Error{Kind: KindBadArguments, Message: err.Error()}}
	}

	timeout := ex.policy.DefaultTimeout
	if ex.policy.MaxTimeout > 0 && timeout > ex.policy.MaxTimeout {
		timeout = ex.policy.MaxTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cs := chainFrom(ctx)
	execCtx = withChain(execCtx, cs)

	start := time.Now()
	result := ex.run(execCtx, tool, coerced)
	recordDuration(ctx, tool.Name, time.Since(start))
	recordDepth(ctx, tool.Name, cs.depth)
	return result
}

func (ex *Executor) run(ctx context.Context, tool ToolDef, args starlark.StringDict) Result {
	thread := &starlark.Thread{Name: "tool:" + tool.Name}
	if ex.policy.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(uint64(ex.policy.MaxSteps))
	}

	done := make(chan Result, 1)
	go func() {
		done <- ex.exec(ctx, thread, tool, args)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		thread.Cancel("timeout")
		<-done // exec observes the cancellation and returns; drain to avoid leaking the goroutine
		return Result{Err: &Error{Kind: KindTimeout, Message: fmt.Sprintf("tool %q exceeded its execution budget", tool.Name)}}
	}
}

func (ex *Executor) exec(ctx context.Context, thread *starlark.Thread, tool ToolDef, args starlark.StringDict) Result {
	predeclared := ex.predeclared(ctx, tool.Name)

	globals, err := starlark.ExecFileOptions(fileOptions, thread, tool.Name+".star", tool.Code, predeclared)
	if err != nil {
		if isCancelled(err) {
			return Result{Err: &Error{Kind: KindTimeout, Message: "execution cancelled"}}
		}
		return Result{Err: &Error{Kind: KindCompileError, Message: err.Error()}}
	}

	runFn, ok := globals["run"]
	if !ok {
		return Result{Err: &Error{Kind: KindCompileError, Message: "tool code does not define run(...)"}}
	}
	fn, ok := runFn.(*starlark.Function)
	if !ok {
		return Result{Err: &Error{Kind: KindCompileError, Message: "run is not callable"}}
	}

	var kwargs []starlark.Tuple
	for name, v := range args {
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), v})
	}

	retVal, err := starlark.Call(thread, fn, nil, kwargs)
	if err != nil {
		if isCancelled(err) {
			return Result{Err: &Error{Kind: KindTimeout, Message: "execution cancelled"}}
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return Result{Err: &Error{Kind: KindRuntimeError, Message: evalErr.Error(), Stack: evalErr.Backtrace()}}
		}
		return Result{Err: &Error{Kind: KindRuntimeError, Message: err.Error()}}
	}

	goVal, err := fromStarlarkValue(retVal)
	if err != nil {
		return Result{Err: &Error{Kind: KindRuntimeError, Message: err.Error()}}
	}
	return Result{Value: goVal}
}

func validateAndCoerceArgs(params []ParamDef, args map[string]any) (starlark.StringDict, error) {
	out := make(starlark.StringDict, len(params))
	declared := make(map[string]ParamDef, len(params))
	for _, p := range params {
		declared[p.Name] = p
	}

	for _, p := range params {
		raw, present := args[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			continue
		}
		coerced, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}
		sv, err := toStarlarkValue(coerced)
		if err != nil {
			return nil, err
		}
		out[p.Name] = sv
	}

	for name := range args {
		if _, ok := declared[name]; !ok {
			sv, err := toStarlarkValue(args[name])
			if err != nil {
				return nil, err
			}
			out[name] = sv
		}
	}
	return out, nil
}

func coerce(p ParamDef, v any) (any, error) {
	switch p.Type {
	case "number":
		switch n := v.(type) {
		case float64, int, int64:
			return n, nil
		case string:
			var f float64
			if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
				return nil, fmt.Errorf("argument %q: %q is not a valid number", p.Name, n)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("argument %q: expected number", p.Name)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("argument %q: expected boolean", p.Name)
		}
		return v, nil
	case "string":
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("argument %q: expected string", p.Name)
		}
		return v, nil
	default:
		return v, nil
	}
}

// predeclared builds the restricted global namespace: the math/json/http/now
// helpers the capability allowlist exposes, plus execute_tool for
// composition. There is no load() support, so tool code cannot reach
// outside this namespace.
func (ex *Executor) predeclared(ctx context.Context, callerName string) starlark.StringDict {
	return starlark.StringDict{
		"json":     jsonModule(),
		"math":     mathModule(),
		"http_get": starlark.NewBuiltin("http_get", ex.builtinHTTPGet(ctx)),
		"now": starlark.NewBuiltin("now", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("now", args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(time.Now().UTC().Format(time.RFC3339)), nil
		}),
		"execute_tool": starlark.NewBuiltin("execute_tool", ex.builtinExecuteTool(ctx, callerName)),
	}
}

func (ex *Executor) builtinHTTPGet(ctx context.Context) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var rawURL string
		if err := starlark.UnpackArgs("http_get", args, kwargs, "url", &rawURL); err != nil {
			return nil, err
		}
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, &Error{Kind: KindBadArguments, Message: fmt.Sprintf("http_get: invalid url %q", rawURL)}
		}
		if !ex.policy.HostAllowed(parsed.Hostname()) {
			return nil, &Error{Kind: KindResourceDenied, Message: fmt.Sprintf("http_get: host %q is not in the sandbox allowlist", parsed.Hostname())}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := ex.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return starlark.String(body), nil
	}
}

// builtinExecuteTool resolves name_or_id through the tool store and recurses
// through the accounted executor, enforcing the compose depth cap and
// per-call cycle detection described by the capability policy.
func (ex *Executor) builtinExecuteTool(ctx context.Context, callerName string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var nameOrID string
		var kwargsDict *starlark.Dict
		if err := starlark.UnpackArgs("execute_tool", args, kwargs, "name_or_id", &nameOrID, "args?", &kwargsDict); err != nil {
			return nil, err
		}

		cs := chainFrom(ctx)
		if cs.depth+1 > ex.policy.MaxCallDepth {
			return nil, &Error{Kind: KindRuntimeError, Message: "execute_tool recursion depth exceeded"}
		}
		if cs.visited == nil {
			cs.visited = map[string]bool{callerName: true}
		}
		if cs.visited[nameOrID] {
			return nil, &Error{Kind: KindRuntimeError, Message: "execute_tool cycle detected involving " + nameOrID}
		}

		callArgs := map[string]any{}
		if kwargsDict != nil {
			for _, item := range kwargsDict.Items() {
				k, _ := starlark.AsString(item[0])
				v, err := fromStarlarkValue(item[1])
				if err != nil {
					return nil, err
				}
				callArgs[k] = v
			}
		}

		childState := &chainState{depth: cs.depth + 1, visited: cloneVisited(cs.visited)}
		childState.visited[nameOrID] = true
		childCtx := withChain(ctx, childState)

		if ex.accounted == nil {
			return nil, &Error{Kind: KindResourceDenied, Message: "tool composition is not available"}
		}
		val, err := ex.accounted.ExecuteAccounted(childCtx, nameOrID, callArgs)
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(val)
	}
}

func cloneVisited(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
