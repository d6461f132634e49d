package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store wraps the Postgres-backed tool catalog.
type Store struct {
	DB *sql.DB
}

// BugLogCap bounds the ring buffer of recorded failures kept per tool.
const BugLogCap = 32

var (
	// ErrNotFound is returned by single-record lookups that miss.
	ErrNotFound = errors.New("not found")
	// ErrNameConflict is returned when a create/update would violate the unique name constraint.
	ErrNameConflict = errors.New("name conflict")
	// ErrValidation is returned when a tool spec fails structural validation.
	ErrValidation = errors.New("validation error")
)

// Parameter describes one declared argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object, array
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// BugEntry is one record in a tool's bounded bug_log ring buffer.
type BugEntry struct {
	Timestamp time.Time `json:"ts"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
}

// Tool is the central catalog entity: a named, parameterized code unit.
type Tool struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	Category       string      `json:"category,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Parameters     []Parameter `json:"parameters"`
	Code           string      `json:"code"`
	ReturnSchema   json.RawMessage `json:"return_schema,omitempty"`
	Examples       json.RawMessage `json:"examples,omitempty"`
	IsActive       bool        `json:"is_active"`
	IsBugged       bool        `json:"is_bugged"`
	BugCount       int         `json:"bug_count"`
	BugLog         []BugEntry  `json:"bug_log"`
	ExecutionCount int64       `json:"execution_count"`
	LastExecutedAt *time.Time  `json:"last_executed_at,omitempty"`
	LastErrorAt    *time.Time  `json:"last_error_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ToolSpec is the caller-supplied payload for tool creation.
type ToolSpec struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Category     string      `json:"category,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Parameters   []Parameter `json:"parameters"`
	Code         string      `json:"code"`
	ReturnSchema json.RawMessage `json:"return_schema,omitempty"`
	Examples     json.RawMessage `json:"examples,omitempty"`
}

// ToolPatch is a partial update; nil fields are left unchanged.
type ToolPatch struct {
	Name         *string
	Description  *string
	Category     *string
	Tags         *[]string
	Parameters   *[]Parameter
	Code         *string
	ReturnSchema json.RawMessage
	IsActive     *bool
}

var toolNameMetric otelmetric.Int64Counter
var toolNameMetricErr error
var toolMetricsInit = func() {
	meter := otel.GetMeterProvider().Meter("toolmind/store")
	toolNameMetric, toolNameMetricErr = meter.Int64Counter("tool_store_mutations_total")
}

func init() {
	toolMetricsInit()
}

func recordMutation(ctx context.Context, op string) {
	if toolNameMetricErr != nil || toolNameMetric == nil {
		return
	}
	toolNameMetric.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("op", op)))
}

// New opens a Store using DATABASE_URL when set, otherwise a DSN built from
// the POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

const toolColumns = `id, name, description, category, tags, parameters, code, return_schema, examples,
	is_active, is_bugged, bug_count, bug_log, execution_count, last_executed_at, last_error_at, created_at, updated_at`

func scanTool(row interface{ Scan(...interface{}) error }) (Tool, error) {
	var t Tool
	var tags, params, bugLog, returnSchema, examples []byte
	if err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Category, &tags, &params, &t.Code, &returnSchema, &examples,
		&t.IsActive, &t.IsBugged, &t.BugCount, &bugLog, &t.ExecutionCount, &t.LastExecutedAt, &t.LastErrorAt,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Tool{}, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &t.Tags)
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &t.Parameters)
	}
	if len(bugLog) > 0 {
		_ = json.Unmarshal(bugLog, &t.BugLog)
	}
	if len(returnSchema) > 0 {
		t.ReturnSchema = returnSchema
	}
	if len(examples) > 0 {
		t.Examples = examples
	}
	return t, nil
}

// List returns tools ordered by updated_at desc, name asc, filtered per the
// given flags.
func (s *Store) List(ctx context.Context, activeOnly, excludeBugged bool, category string) ([]Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE 1=1`
	var args []interface{}
	n := 0
	if activeOnly {
		query += ` AND is_active = true`
	}
	if excludeBugged {
		query += ` AND is_bugged = false`
	}
	if category != "" {
		n++
		query += fmt.Sprintf(" AND category = $%d", n)
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC, name ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetByID fetches a tool by its opaque identifier.
func (s *Store) GetByID(ctx context.Context, id string) (Tool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	t, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	return t, nil
}

// GetByName fetches a tool by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (Tool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE name = $1`, name)
	t, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	return t, nil
}

// ValidateSpec checks structural invariants on a tool spec independent of
// persistence: a valid name, unique parameter names, and a non-empty code
// body.
func ValidateSpec(spec ToolSpec) error {
	if !isValidToolName(spec.Name) {
		return fmt.Errorf("%w: name %q must match [a-zA-Z_][a-zA-Z0-9_]*", ErrValidation, spec.Name)
	}
	if spec.Code == "" {
		return fmt.Errorf("%w: code is required", ErrValidation)
	}
	seen := map[string]bool{}
	for _, p := range spec.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter missing name", ErrValidation)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate parameter name %q", ErrValidation, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "string", "number", "boolean", "object", "array":
		default:
			return fmt.Errorf("%w: parameter %q has unsupported type %q", ErrValidation, p.Name, p.Type)
		}
	}
	return nil
}

func isValidToolName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isLetter {
			return false
		}
		if i > 0 && !isLetter && !isDigit {
			return false
		}
	}
	return true
}

// Create inserts a new tool. Fails with ErrNameConflict if the name is
// already taken, ErrValidation on structural problems.
func (s *Store) Create(ctx context.Context, spec ToolSpec) (Tool, error) {
	if err := ValidateSpec(spec); err != nil {
		return Tool{}, err
	}

	id := uuid.NewString()
	tags, _ := json.Marshal(spec.Tags)
	params, _ := json.Marshal(spec.Parameters)
	bugLog, _ := json.Marshal([]BugEntry{})

	row := s.DB.QueryRowContext(ctx, `
INSERT INTO tools (id, name, description, category, tags, parameters, code, return_schema, examples,
	is_active, is_bugged, bug_count, bug_log, execution_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, true, false, 0, $10, 0, NOW(), NOW())
RETURNING `+toolColumns, id, spec.Name, spec.Description, spec.Category, tags, params, spec.Code,
		nullable(spec.ReturnSchema), nullable(spec.Examples), bugLog)

	t, err := scanTool(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Tool{}, fmt.Errorf("%w: name %q already exists", ErrNameConflict, spec.Name)
		}
		return Tool{}, err
	}
	recordMutation(ctx, "create")
	return t, nil
}

func nullable(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Update applies a partial patch to a tool, bumping updated_at. A non-nil
// Name is checked for uniqueness.
func (s *Store) Update(ctx context.Context, id string, patch ToolPatch) (Tool, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return Tool{}, err
	}

	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Category != nil {
		current.Category = *patch.Category
	}
	if patch.Tags != nil {
		current.Tags = *patch.Tags
	}
	if patch.Parameters != nil {
		current.Parameters = *patch.Parameters
	}
	if patch.Code != nil {
		current.Code = *patch.Code
	}
	if patch.ReturnSchema != nil {
		current.ReturnSchema = patch.ReturnSchema
	}
	if patch.IsActive != nil {
		current.IsActive = *patch.IsActive
	}

	if err := ValidateSpec(ToolSpec{
		Name: current.Name, Description: current.Description, Category: current.Category,
		Tags: current.Tags, Parameters: current.Parameters, Code: current.Code,
	}); err != nil {
		return Tool{}, err
	}

	tags, _ := json.Marshal(current.Tags)
	params, _ := json.Marshal(current.Parameters)

	row := s.DB.QueryRowContext(ctx, `
UPDATE tools SET name=$2, description=$3, category=$4, tags=$5, parameters=$6, code=$7, return_schema=$8,
	is_active=$9, updated_at=NOW()
WHERE id=$1
RETURNING `+toolColumns, id, current.Name, current.Description, current.Category, tags, params, current.Code,
		nullable(current.ReturnSchema), current.IsActive)

	t, err := scanTool(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Tool{}, fmt.Errorf("%w: name %q already exists", ErrNameConflict, current.Name)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	recordMutation(ctx, "update")
	return t, nil
}

// Delete removes a tool. Deleting a missing id is a no-op success.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return err
	}
	recordMutation(ctx, "delete")
	return nil
}

// ReportBug appends a failure to the bug log, incrementing bug_count and
// flipping is_bugged once the configured threshold is crossed.
func (s *Store) ReportBug(ctx context.Context, id, errorKind, message, stack string, threshold int) (Tool, error) {
	t, err := s.GetByID(ctx, id)
	if err != nil {
		return Tool{}, err
	}

	entry := BugEntry{Timestamp: time.Now().UTC(), ErrorKind: errorKind, Message: message, Stack: stack}
	t.BugLog = append(t.BugLog, entry)
	if len(t.BugLog) > BugLogCap {
		t.BugLog = t.BugLog[len(t.BugLog)-BugLogCap:]
	}
	t.BugCount++
	t.IsBugged = t.BugCount >= threshold

	bugLog, _ := json.Marshal(t.BugLog)
	row := s.DB.QueryRowContext(ctx, `
UPDATE tools SET bug_count=$2, bug_log=$3, is_bugged=$4, last_error_at=NOW(), updated_at=NOW()
WHERE id=$1
RETURNING `+toolColumns, id, t.BugCount, bugLog, t.IsBugged)

	out, err := scanTool(row)
	if err != nil {
		return Tool{}, err
	}
	recordMutation(ctx, "report_bug")
	return out, nil
}

// ClearBugs resets a tool's bug state.
func (s *Store) ClearBugs(ctx context.Context, id string) (Tool, error) {
	bugLog, _ := json.Marshal([]BugEntry{})
	row := s.DB.QueryRowContext(ctx, `
UPDATE tools SET bug_count=0, bug_log=$2, is_bugged=false, updated_at=NOW()
WHERE id=$1
RETURNING `+toolColumns, id, bugLog)

	t, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	recordMutation(ctx, "clear_bugs")
	return t, nil
}

// Deactivate marks a tool inactive; idempotent.
func (s *Store) Deactivate(ctx context.Context, id string) (Tool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE tools SET is_active=false, updated_at=NOW()
WHERE id=$1
RETURNING `+toolColumns, id)

	t, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	recordMutation(ctx, "deactivate")
	return t, nil
}

// RecordExecution increments execution_count and updates last_executed_at
// exactly once per successful call. Safe to call concurrently across
// distinct tools; per-tool writes serialize through the row lock.
func (s *Store) RecordExecution(ctx context.Context, id string) (Tool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE tools SET execution_count = execution_count + 1, last_executed_at=NOW(), updated_at=NOW()
WHERE id=$1
RETURNING `+toolColumns, id)

	t, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	recordMutation(ctx, "record_execution")
	return t, nil
}

// ListBugged returns every tool currently flagged is_bugged, regardless of
// active state.
func (s *Store) ListBugged(ctx context.Context) ([]Tool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE is_bugged = true ORDER BY updated_at DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllForIndex returns every tool, inactive and bugged ones included, for
// rebuilding the in-memory search index at startup; Index.Search applies the
// active/bugged filters per query.
func (s *Store) ListAllForIndex(ctx context.Context) ([]Tool, error) {
	return s.List(ctx, false, false, "")
}
