package server

import (
	"encoding/json"
	"time"

	"github.com/toolmind/agent/internal/store"
)

// AskRequest is the payload accepted by every ask entry point: the
// streaming channel, the WebSocket mirror, and the synchronous REST form.
type AskRequest struct {
	Question string          `json:"question"`
	History  []HistoryTurn   `json:"history,omitempty"`
	Options  *AskOptions     `json:"options,omitempty"`
}

// HistoryTurn is one prior question/answer pair supplied as conversation
// context.
type HistoryTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// AskOptions overrides the daemon's default iteration and wall-clock caps
// for a single question.
type AskOptions struct {
	IterMax int `json:"iter_max,omitempty"`
	TMax    int `json:"t_max_seconds,omitempty"`
}

// AskResponse is the non-streaming REST form's payload: the final event's
// fields, or an error summary when the run ended in timeout/error.
type AskResponse struct {
	Answer     string `json:"answer,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolResponse is the wire representation of a store.Tool.
type ToolResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	Category       string              `json:"category,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	Parameters     []store.Parameter   `json:"parameters"`
	Code           string              `json:"code"`
	ReturnSchema   json.RawMessage     `json:"return_schema,omitempty"`
	Examples       json.RawMessage     `json:"examples,omitempty"`
	IsActive       bool                `json:"is_active"`
	IsBugged       bool                `json:"is_bugged"`
	BugCount       int                 `json:"bug_count"`
	BugLog         []store.BugEntry    `json:"bug_log,omitempty"`
	ExecutionCount int64               `json:"execution_count"`
	LastExecutedAt *time.Time          `json:"last_executed_at,omitempty"`
	LastErrorAt    *time.Time          `json:"last_error_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func toolResponse(t store.Tool) ToolResponse {
	return ToolResponse{
		ID: t.ID, Name: t.Name, Description: t.Description, Category: t.Category,
		Tags: t.Tags, Parameters: t.Parameters, Code: t.Code,
		ReturnSchema: t.ReturnSchema, Examples: t.Examples,
		IsActive: t.IsActive, IsBugged: t.IsBugged, BugCount: t.BugCount, BugLog: t.BugLog,
		ExecutionCount: t.ExecutionCount, LastExecutedAt: t.LastExecutedAt, LastErrorAt: t.LastErrorAt,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func toolResponses(ts []store.Tool) []ToolResponse {
	out := make([]ToolResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, toolResponse(t))
	}
	return out
}

// CreateToolRequest is the payload for POST /tools.
type CreateToolRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Category     string            `json:"category,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Parameters   []store.Parameter `json:"parameters"`
	Code         string            `json:"code"`
	ReturnSchema json.RawMessage   `json:"return_schema,omitempty"`
	Examples     json.RawMessage   `json:"examples,omitempty"`
}

func (r CreateToolRequest) toSpec() store.ToolSpec {
	return store.ToolSpec{
		Name: r.Name, Description: r.Description, Category: r.Category, Tags: r.Tags,
		Parameters: r.Parameters, Code: r.Code, ReturnSchema: r.ReturnSchema, Examples: r.Examples,
	}
}

// UpdateToolRequest is the partial-update payload for PUT /tools/{id}. Nil
// fields are left unchanged, matching store.ToolPatch semantics.
type UpdateToolRequest struct {
	Name         *string           `json:"name,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Category     *string           `json:"category,omitempty"`
	Tags         *[]string         `json:"tags,omitempty"`
	Parameters   *[]store.Parameter `json:"parameters,omitempty"`
	Code         *string           `json:"code,omitempty"`
	ReturnSchema json.RawMessage   `json:"return_schema,omitempty"`
	IsActive     *bool             `json:"is_active,omitempty"`
}

func (r UpdateToolRequest) toPatch() store.ToolPatch {
	return store.ToolPatch{
		Name: r.Name, Description: r.Description, Category: r.Category, Tags: r.Tags,
		Parameters: r.Parameters, Code: r.Code, ReturnSchema: r.ReturnSchema, IsActive: r.IsActive,
	}
}

// ExecuteRequest is the payload for POST /tools/{id}/execute.
type ExecuteRequest struct {
	Args map[string]any `json:"args"`
}

// SearchResultResponse pairs a tool with its relevance score.
type SearchResultResponse struct {
	Tool  ToolResponse `json:"tool"`
	Score float64      `json:"score"`
}

// ErrorResponse is the generic JSON error envelope returned by every
// non-2xx REST response.
type ErrorResponse struct {
	Error string `json:"error"`
}
