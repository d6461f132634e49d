package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/toolmind/agent/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Policy bounds what a tool's Starlark code is permitted to do: which hosts
// http_get may reach, how deep execute_tool chaining may recurse, and how
// long (in wall-clock time and in Starlark steps) a single invocation may
// run before it is abandoned. AllowedBuiltins and AllowedModules are carried
// from config but are not consulted by the Executor.
type Policy struct {
	AllowedBuiltins []string
	AllowedModules  []string
	AllowedHosts    []string
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	MaxSteps        int64
	MaxCallDepth    int
}

// HostAllowed reports whether host (as returned by url.URL.Hostname()) may
// be reached by the sandbox's http_get builtin. An empty allowlist denies
// every host, matching the capability policy's closed "allow" surface: a
// network reach-out must be explicitly granted, never implicitly available.
func (p *Policy) HostAllowed(host string) bool {
	if p == nil {
		return false
	}
	for _, h := range p.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// LoadPolicy derives a Policy from the sandbox section of the daemon
// configuration.
func LoadPolicy(cfg *config.Config) (*Policy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	sc := cfg.Sandbox
	return &Policy{
		AllowedBuiltins: sc.AllowedBuiltins,
		AllowedModules:  sc.AllowedModules,
		AllowedHosts:    sc.AllowedHosts,
		DefaultTimeout:  time.Duration(sc.DefaultTimeoutMS) * time.Millisecond,
		MaxTimeout:      time.Duration(sc.MaxTimeoutMS) * time.Millisecond,
		MaxSteps:        sc.MaxSteps,
		MaxCallDepth:    sc.MaxCallDepth,
	}, nil
}

// Enforcer validates an individual execution request against a loaded
// Policy before the sandbox namespace is constructed.
type Enforcer struct {
	policy *Policy
}

// NewEnforcer wraps a Policy for request validation.
func NewEnforcer(policy *Policy) *Enforcer {
	return &Enforcer{policy: policy}
}

// Request describes one execution about to run in the sandbox.
type Request struct {
	ToolName string
	Timeout  time.Duration
}

// Validate clamps the request's timeout to the policy ceiling and rejects
// zero/negative values by falling back to the policy default.
func (e *Enforcer) Validate(ctx context.Context, req *Request) error {
	if e == nil || e.policy == nil {
		return nil
	}
	if req == nil {
		return fmt.Errorf("sandbox request is nil")
	}
	if req.Timeout <= 0 {
		req.Timeout = e.policy.DefaultTimeout
	}
	if e.policy.MaxTimeout > 0 && req.Timeout > e.policy.MaxTimeout {
		req.Timeout = e.policy.MaxTimeout
	}
	return nil
}

var (
	metricsOnce     sync.Once
	executionsTotal otelmetric.Int64Counter
	durationHist    otelmetric.Float64Histogram
	depthHist       otelmetric.Int64Histogram
)

func initMetrics() {
	meter := otel.Meter("toolmind/sandbox")
	var err error
	executionsTotal, err = meter.Int64Counter(
		"sandbox_executions_total",
		otelmetric.WithDescription("Number of sandboxed tool executions attempted"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: executions counter: %v", err)
	}
	durationHist, err = meter.Float64Histogram(
		"sandbox_execution_duration_seconds",
		otelmetric.WithDescription("Wall clock duration of sandboxed tool executions"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: duration histogram: %v", err)
	}
	depthHist, err = meter.Int64Histogram(
		"sandbox_compose_depth",
		otelmetric.WithDescription("execute_tool recursion depth reached per call"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: depth histogram: %v", err)
	}
}

// EnsureSandbox validates the request against policy, emits a standard
// "sandbox=true" diagnostic line, and returns the normalized request ready
// for execution.
func EnsureSandbox(ctx context.Context, policy *Policy, logger *log.Logger, req Request) (*Enforcer, Request, error) {
	enforcer := NewEnforcer(policy)
	normalized := req
	if err := enforcer.Validate(ctx, &normalized); err != nil {
		return nil, Request{}, err
	}

	if logger == nil {
		logger = log.New(os.Stdout, "[SANDBOX] ", log.LstdFlags)
	}
	logger.Printf("sandbox=true tool=%s timeout=%s max_depth=%d", normalized.ToolName, normalized.Timeout, policy.MaxCallDepth)

	recordMetrics(ctx, normalized)
	return enforcer, normalized, nil
}

func recordMetrics(ctx context.Context, req Request) {
	metricsOnce.Do(initMetrics)
	attrs := []attribute.KeyValue{attribute.String("tool", strings.TrimSpace(req.ToolName))}
	if executionsTotal != nil {
		executionsTotal.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
}

func recordDuration(ctx context.Context, toolName string, d time.Duration) {
	if durationHist == nil {
		return
	}
	durationHist.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("tool", toolName)))
}

func recordDepth(ctx context.Context, toolName string, depth int) {
	if depthHist == nil {
		return
	}
	depthHist.Record(ctx, int64(depth), otelmetric.WithAttributes(attribute.String("tool", toolName)))
}
