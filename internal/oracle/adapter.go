// Package oracle wraps one or more LLM API credentials behind a single
// decide(prompt, schema) call: key rotation on quota/auth failure,
// exponential backoff with jitter, a per-credential token bucket, and one
// re-prompt on schema-validation mismatch before giving up.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/toolmind/agent/config"
)

// ErrBadOracleResponse is returned when the provider's response still fails
// schema validation after one re-prompt.
var ErrBadOracleResponse = errors.New("oracle: response did not match the requested schema")

const (
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 8 * time.Second
	backoffJitterRatio = 0.2
	maxAttemptsPerCred = 5
	perAttemptTimeout  = 30 * time.Second
)

// Adapter rotates across a ring of Providers to satisfy Decide calls.
type Adapter struct {
	providers   []Provider
	limiter     Limiter
	temperature float64
	maxTokens   int

	mu      sync.Mutex
	ringPos int
}

// NewAdapter builds an Adapter from the LLM section of the daemon config.
func NewAdapter(cfg config.LLMConfig) (*Adapter, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("oracle: no providers configured")
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, timeout)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return &Adapter{
		providers:   providers,
		limiter:     NewMemoryLimiter(cfg.RatePerMinute/60.0, cfg.RateBurst),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Usage reports token counts for one Decide call's underlying API requests,
// accumulated across rotations and the optional re-prompt.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Decide produces one structured decision. validate is called against the
// raw JSON object the model returned; on failure Decide re-prompts once
// with a corrective hint appended to prompt, then gives up with
// ErrBadOracleResponse.
func (a *Adapter) Decide(ctx context.Context, prompt string, validate func(json.RawMessage) error) (json.RawMessage, Usage, error) {
	raw, usage, err := a.attempt(ctx, prompt)
	if err != nil {
		return nil, usage, err
	}
	if verr := validate(raw); verr == nil {
		return raw, usage, nil
	}

	hint := prompt + "\n\nYour previous response did not match the required JSON schema. Return only valid JSON matching the schema, with no surrounding text."
	raw2, usage2, err := a.attempt(ctx, hint)
	usage.InputTokens += usage2.InputTokens
	usage.OutputTokens += usage2.OutputTokens
	if err != nil {
		return nil, usage, err
	}
	if verr := validate(raw2); verr != nil {
		return nil, usage, fmt.Errorf("%w: %v", ErrBadOracleResponse, verr)
	}
	return raw2, usage, nil
}

// attempt drives the credential ring for a single prompt: each credential
// gets up to maxAttemptsPerCred tries with exponential backoff before
// rotation advances to the next one.
func (a *Adapter) attempt(ctx context.Context, prompt string) (json.RawMessage, Usage, error) {
	n := len(a.providers)
	var lastErr error

	for c := 0; c < n; c++ {
		provider := a.nextProvider()

		for try := 0; try < maxAttemptsPerCred; try++ {
			if err := Wait(ctx, a.limiter, provider.Name()); err != nil {
				return nil, Usage{}, err
			}

			attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
			text, inTok, outTok, err := provider.Generate(attemptCtx, prompt, a.temperature, a.maxTokens)
			cancel()

			if err == nil {
				raw, jerr := extractJSON(text)
				if jerr != nil {
					lastErr = jerr
					break // malformed output isn't fixed by retrying the same credential
				}
				return raw, Usage{InputTokens: inTok, OutputTokens: outTok}, nil
			}

			lastErr = err
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) && statusErr.rotatable() {
				break // advance to the next credential immediately
			}

			if try < maxAttemptsPerCred-1 {
				sleepBackoff(ctx, try)
			}
		}
	}

	return nil, Usage{}, fmt.Errorf("oracle: all credentials exhausted: %w", lastErr)
}

func (a *Adapter) nextProvider() Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.providers[a.ringPos%len(a.providers)]
	a.ringPos++
	return p
}

func sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(math.Min(float64(backoffCap), float64(backoffBase)*math.Pow(2, float64(attempt))))
	jitter := time.Duration(float64(d) * backoffJitterRatio * (rand.Float64()*2 - 1))
	d += jitter
	if d < 0 {
		d = backoffBase
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// extractJSON pulls the first top-level JSON object out of a model
// response, tolerating surrounding prose or code-fence markers.
func extractJSON(text string) (json.RawMessage, error) {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				candidate := text[start : i+1]
				var v interface{}
				if err := json.Unmarshal([]byte(candidate), &v); err != nil {
					return nil, fmt.Errorf("oracle: response is not valid JSON: %w", err)
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("oracle: no JSON object found in response")
}
