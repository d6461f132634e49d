package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/toolmind/agent/internal/httpclient"
	"github.com/toolmind/agent/internal/sandbox"
	"github.com/toolmind/agent/internal/store"
)

var errNoBackend = errors.New("one of --server or --dsn is required")

// toolView is the CLI's wire-agnostic rendering of a catalog tool: the
// REST client decodes directly into it, the direct client fills it in from
// a store.Tool.
type toolView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Category       string          `json:"category,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IsActive       bool            `json:"is_active"`
	IsBugged       bool            `json:"is_bugged"`
	BugCount       int             `json:"bug_count"`
	ExecutionCount int64           `json:"execution_count"`
}

func toolViewFromStore(t store.Tool) toolView {
	return toolView{
		ID: t.ID, Name: t.Name, Description: t.Description, Category: t.Category, Tags: t.Tags,
		IsActive: t.IsActive, IsBugged: t.IsBugged, BugCount: t.BugCount, ExecutionCount: t.ExecutionCount,
	}
}

type searchHit struct {
	Tool  toolView `json:"tool"`
	Score float64  `json:"score"`
}

// toolClient is the behavior every toolctl subcommand needs, implemented
// once against the REST surface and once against the store directly.
type toolClient interface {
	List(ctx context.Context, activeOnly, excludeBugged bool, category string) ([]toolView, error)
	Get(ctx context.Context, id string) (toolView, error)
	Search(ctx context.Context, query string, limit int) ([]searchHit, error)
	Create(ctx context.Context, spec store.ToolSpec) (toolView, error)
	Execute(ctx context.Context, id string, args map[string]any) (any, error)
	Deactivate(ctx context.Context, id string) (toolView, error)
	ClearBugs(ctx context.Context, id string) (toolView, error)
	ListBugged(ctx context.Context) ([]toolView, error)
	Close() error
}

// restToolClient talks to a running agentd's REST surface.
type restToolClient struct {
	http *httpclient.Client
	base string
}

func (c *restToolClient) url(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			escaped[i] = url.PathEscape(s)
			continue
		}
		escaped[i] = a
	}
	return c.base + fmt.Sprintf(format, escaped...)
}

func (c *restToolClient) List(ctx context.Context, activeOnly, excludeBugged bool, category string) ([]toolView, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active_only", "true")
	}
	if excludeBugged {
		q.Set("exclude_bugged", "true")
	}
	if category != "" {
		q.Set("category", category)
	}
	var out []toolView
	err := c.http.DoJSON(ctx, "GET", c.base+"/tools?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *restToolClient) Get(ctx context.Context, id string) (toolView, error) {
	var out toolView
	err := c.http.DoJSON(ctx, "GET", c.url("/tools/%s", id), nil, nil, &out)
	return out, err
}

func (c *restToolClient) Search(ctx context.Context, query string, limit int) ([]searchHit, error) {
	var out []searchHit
	err := c.http.DoJSON(ctx, "GET", c.url("/tools/search/%s", query), nil, nil, &out)
	if err == nil && limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (c *restToolClient) Create(ctx context.Context, spec store.ToolSpec) (toolView, error) {
	var out toolView
	err := c.http.DoJSON(ctx, "POST", c.base+"/tools", nil, spec, &out)
	return out, err
}

func (c *restToolClient) Execute(ctx context.Context, id string, args map[string]any) (any, error) {
	var out map[string]any
	err := c.http.DoJSON(ctx, "POST", c.url("/tools/%s/execute", id), nil, map[string]any{"args": args}, &out)
	if err != nil {
		return nil, err
	}
	return out["result"], nil
}

func (c *restToolClient) Deactivate(ctx context.Context, id string) (toolView, error) {
	var out toolView
	err := c.http.DoJSON(ctx, "POST", c.url("/tools/%s/deactivate", id), nil, nil, &out)
	return out, err
}

func (c *restToolClient) ClearBugs(ctx context.Context, id string) (toolView, error) {
	var out toolView
	err := c.http.DoJSON(ctx, "POST", c.url("/tools/%s/clear-bugs", id), nil, nil, &out)
	return out, err
}

func (c *restToolClient) ListBugged(ctx context.Context) ([]toolView, error) {
	var out []toolView
	err := c.http.DoJSON(ctx, "GET", c.base+"/tools/bugged/list", nil, nil, &out)
	return out, err
}

func (c *restToolClient) Close() error { return nil }

// directToolClient opens the store directly, for scripted use without a
// running daemon.
type directToolClient struct {
	store *store.Store
}

func newDirectToolClient(dsn string) (toolClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &directToolClient{store: s}, nil
}

func (c *directToolClient) List(ctx context.Context, activeOnly, excludeBugged bool, category string) ([]toolView, error) {
	tools, err := c.store.List(ctx, activeOnly, excludeBugged, category)
	return toolViews(tools), err
}

func (c *directToolClient) Get(ctx context.Context, id string) (toolView, error) {
	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return toolView{}, err
	}
	return toolViewFromStore(t), nil
}

func (c *directToolClient) Search(ctx context.Context, query string, limit int) ([]searchHit, error) {
	idx, err := store.NewIndex(defaultSearchWeights(), nil)
	if err != nil {
		return nil, err
	}
	tools, err := c.store.ListAllForIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := idx.Rebuild(tools); err != nil {
		return nil, err
	}
	results := idx.Search(ctx, query, limit, 0.3, false, true, 50)
	out := make([]searchHit, 0, len(results))
	for _, r := range results {
		out = append(out, searchHit{Tool: toolViewFromStore(r.Tool), Score: r.Score})
	}
	return out, nil
}

func (c *directToolClient) Create(ctx context.Context, spec store.ToolSpec) (toolView, error) {
	t, err := c.store.Create(ctx, spec)
	if err != nil {
		return toolView{}, err
	}
	return toolViewFromStore(t), nil
}

func (c *directToolClient) Execute(ctx context.Context, id string, args map[string]any) (any, error) {
	policy := &sandbox.Policy{
		DefaultTimeout:  10 * time.Second,
		MaxTimeout:      30 * time.Second,
		MaxCallDepth:    4,
		AllowedBuiltins: []string{"len", "range", "str", "int", "float", "bool", "list", "dict", "print"},
	}
	executor := sandbox.NewExecutor(store.Resolver{Store: c.store}, policy)
	store.NewAccountedExecutor(c.store, executor, 3)
	return c.store.ExecuteAccounted(ctx, executor, 3, id, args)
}

func (c *directToolClient) Deactivate(ctx context.Context, id string) (toolView, error) {
	t, err := c.store.Deactivate(ctx, id)
	if err != nil {
		return toolView{}, err
	}
	return toolViewFromStore(t), nil
}

func (c *directToolClient) ClearBugs(ctx context.Context, id string) (toolView, error) {
	t, err := c.store.ClearBugs(ctx, id)
	if err != nil {
		return toolView{}, err
	}
	return toolViewFromStore(t), nil
}

func (c *directToolClient) ListBugged(ctx context.Context) ([]toolView, error) {
	tools, err := c.store.ListBugged(ctx)
	return toolViews(tools), err
}

func (c *directToolClient) Close() error {
	return c.store.DB.Close()
}

func toolViews(tools []store.Tool) []toolView {
	out := make([]toolView, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolViewFromStore(t))
	}
	return out
}

func defaultSearchWeights() store.SearchWeights {
	return store.SearchWeights{
		ExactName: 0.35, NameSubstring: 0.15, TokenJaccard: 0.20, FuzzyName: 0.10,
		DescriptionHit: 0.08, TagHit: 0.07, CategoryHit: 0.03, SynonymExpansion: 0.02, Popularity: 0.05,
	}
}
