package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name      string
	responses []providerResponse
	calls     int
}

type providerResponse struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(_ context.Context, _ string, _ float64, _ int) (string, int64, int64, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	r := p.responses[idx]
	p.calls++
	if r.err != nil {
		return "", 0, 0, r.err
	}
	return r.text, 10, 5, nil
}

func noopValidate(json.RawMessage) error { return nil }

func alwaysLimiter() Limiter { return allowAllLimiter{} }

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (allowAllLimiter) Close() error                                { return nil }

func TestAdapterDecideSuccess(t *testing.T) {
	p := &scriptedProvider{name: "primary", responses: []providerResponse{{text: `ok prefix {"next_state":"respond"} trailing`}}}
	a := &Adapter{providers: []Provider{p}, limiter: alwaysLimiter(), maxTokens: 256}

	raw, usage, err := a.Decide(context.Background(), "what next?", noopValidate)
	require.NoError(t, err)
	require.JSONEq(t, `{"next_state":"respond"}`, string(raw))
	require.Equal(t, int64(10), usage.InputTokens)
	require.Equal(t, int64(5), usage.OutputTokens)
}

func TestAdapterRotatesPastRateLimitedCredential(t *testing.T) {
	bad := &scriptedProvider{name: "quota-exhausted", responses: []providerResponse{
		{err: &httpStatusError{provider: "quota-exhausted", status: http.StatusTooManyRequests}},
	}}
	good := &scriptedProvider{name: "backup", responses: []providerResponse{{text: `{"next_state":"exit_response"}`}}}
	a := &Adapter{providers: []Provider{bad, good}, limiter: alwaysLimiter(), maxTokens: 256}

	raw, _, err := a.Decide(context.Background(), "what next?", noopValidate)
	require.NoError(t, err)
	require.JSONEq(t, `{"next_state":"exit_response"}`, string(raw))
	require.Equal(t, 1, bad.calls)
	require.Equal(t, 1, good.calls)
}

func TestAdapterExhaustsAllCredentials(t *testing.T) {
	one := &scriptedProvider{name: "one", responses: []providerResponse{
		{err: &httpStatusError{provider: "one", status: http.StatusUnauthorized}},
	}}
	two := &scriptedProvider{name: "two", responses: []providerResponse{
		{err: &httpStatusError{provider: "two", status: http.StatusForbidden}},
	}}
	a := &Adapter{providers: []Provider{one, two}, limiter: alwaysLimiter(), maxTokens: 256}

	_, _, err := a.Decide(context.Background(), "what next?", noopValidate)
	require.Error(t, err)
	require.Contains(t, err.Error(), "all credentials exhausted")
}

func TestAdapterRepromptsOnceOnSchemaMismatch(t *testing.T) {
	p := &scriptedProvider{name: "primary", responses: []providerResponse{
		{text: `{"garbage":true}`},
		{text: `{"next_state":"use_tool"}`},
	}}
	a := &Adapter{providers: []Provider{p}, limiter: alwaysLimiter(), maxTokens: 256}

	var seen int
	validate := func(raw json.RawMessage) error {
		seen++
		var v struct {
			NextState string `json:"next_state"`
		}
		if err := json.Unmarshal(raw, &v); err != nil || v.NextState == "" {
			return errors.New("missing next_state")
		}
		return nil
	}

	raw, _, err := a.Decide(context.Background(), "what next?", validate)
	require.NoError(t, err)
	require.JSONEq(t, `{"next_state":"use_tool"}`, string(raw))
	require.Equal(t, 2, seen)
	require.Equal(t, 2, p.calls)
}

func TestAdapterGivesUpAfterFailedReprompt(t *testing.T) {
	p := &scriptedProvider{name: "primary", responses: []providerResponse{
		{text: `{"garbage":1}`},
		{text: `{"garbage":2}`},
	}}
	a := &Adapter{providers: []Provider{p}, limiter: alwaysLimiter(), maxTokens: 256}

	alwaysFails := func(json.RawMessage) error { return errors.New("never matches") }

	_, _, err := a.Decide(context.Background(), "what next?", alwaysFails)
	require.ErrorIs(t, err, ErrBadOracleResponse)
}

func TestAdapterRejectsMalformedJSON(t *testing.T) {
	p := &scriptedProvider{name: "primary", responses: []providerResponse{{text: "not json at all, no braces here"}}}
	a := &Adapter{providers: []Provider{p}, limiter: alwaysLimiter(), maxTokens: 256}

	_, _, err := a.Decide(context.Background(), "what next?", noopValidate)
	require.Error(t, err)
}

func TestMemoryLimiterEnforcesBurst(t *testing.T) {
	l := NewMemoryLimiter(0, 1)
	defer l.Close()

	ok, err := l.Allow(context.Background(), "cred-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(context.Background(), "cred-a")
	require.NoError(t, err)
	require.False(t, ok, "second call should be throttled with zero refill rate and burst of one")

	ok, err = l.Allow(context.Background(), "cred-b")
	require.NoError(t, err)
	require.True(t, ok, "a distinct key gets its own bucket")
}
