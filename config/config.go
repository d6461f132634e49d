package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration object for the agent daemon. It mirrors
// the nested-mapstructure layout used across the codebase: every section is
// its own struct, and sections with defaults or constraints carry their own
// Normalize/Validate pass so LoadConfig can fail fast with a precise error
// instead of a generic viper.Unmarshal complaint.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Search    SearchConfig    `mapstructure:"search"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeoutSec  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int    `mapstructure:"write_timeout_seconds"`
}

func (c *ServerConfig) Normalize() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeoutSec <= 0 {
		c.ReadTimeoutSec = 15
	}
	if c.WriteTimeoutSec <= 0 {
		c.WriteTimeoutSec = 30
	}
}

// LLMProviderConfig describes a single credential/model pairing for an
// oracle provider. All configured entries, each under a unique Name, form
// the credential ring that the oracle rotates across on rate-limit or
// transient failure.
type LLMProviderConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"` // "openai" or "anthropic"
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// LLMConfig configures the oracle adapter.
type LLMConfig struct {
	Providers         []LLMProviderConfig `mapstructure:"providers"`
	DefaultProvider   string              `mapstructure:"default_provider"`
	Temperature       float64             `mapstructure:"temperature"`
	MaxTokens         int                 `mapstructure:"max_tokens"`
	RequestTimeoutSec int                 `mapstructure:"request_timeout_seconds"`
	MaxRetries        int                 `mapstructure:"max_retries"`
	RatePerMinute     float64             `mapstructure:"rate_per_minute"`
	RateBurst         int                 `mapstructure:"rate_burst"`
}

func (c *LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm: at least one provider is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm: provider entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("llm: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = c.Providers[0].Name
	}
	return nil
}

func (c *LLMConfig) Normalize() {
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
}

// TelemetryConfig configures otel/prometheus exporters.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	PrometheusPath string  `mapstructure:"prometheus_path"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

func (c *TelemetryConfig) Normalize() {
	if c.ServiceName == "" {
		c.ServiceName = "agentd"
	}
	if c.PrometheusPath == "" {
		c.PrometheusPath = "/metrics"
	}
	if c.SampleRatio <= 0 {
		c.SampleRatio = 1.0
	}
}

// PostgresConfig configures the tool store's primary database.
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"sslmode"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

func (c *PostgresConfig) Validate() error {
	if c.DSN == "" && (c.Host == "" || c.Database == "") {
		return fmt.Errorf("storage.postgres: either dsn or host+database is required")
	}
	return nil
}

func (c *PostgresConfig) Normalize() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MigrationsPath == "" {
		c.MigrationsPath = "migrations"
	}
}

// BuildDSN returns the connection string, preferring an explicit DSN.
func (c *PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig configures the optional durable stream mirror.
type RedisConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Stream      string `mapstructure:"stream"`
	MaxLen      int64  `mapstructure:"max_len_approx"`
	ReplayGroup string `mapstructure:"replay_group"`
}

func (c *RedisConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("storage.redis: addr is required when enabled")
	}
	return nil
}

func (c *RedisConfig) Normalize() {
	if c.Stream == "" {
		c.Stream = "agent.events"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.ReplayGroup == "" {
		c.ReplayGroup = "agent-replay"
	}
}

// StorageConfig groups the durable backends the daemon depends on.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func (c *StorageConfig) Validate() error {
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	return c.Redis.Validate()
}

func (c *StorageConfig) Normalize() {
	c.Postgres.Normalize()
	c.Redis.Normalize()
}

// SandboxConfig governs the Starlark execution sandbox used by the
// executor. It follows the same shape the original container sandbox
// policy used: a policy file, resource ceilings, and allowlists, just
// retargeted from container isolation to interpreter isolation.
type SandboxConfig struct {
	PolicyFile       string   `mapstructure:"policy_file"`
	DefaultTimeoutMS int      `mapstructure:"default_timeout_ms"`
	MaxTimeoutMS     int      `mapstructure:"max_timeout_ms"`
	MaxSteps         int64    `mapstructure:"max_steps"`
	MaxCallDepth     int      `mapstructure:"max_call_depth"`
	AllowedBuiltins  []string `mapstructure:"allowed_builtins"`
	AllowedModules   []string `mapstructure:"allowed_modules"`
	AllowedHosts     []string `mapstructure:"allowed_hosts"`
}

func (c *SandboxConfig) Validate() error {
	if c.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("sandbox: default_timeout_ms must be positive")
	}
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("sandbox: max_call_depth must be positive")
	}
	return nil
}

func (c *SandboxConfig) Normalize() {
	if c.DefaultTimeoutMS <= 0 {
		c.DefaultTimeoutMS = 5000
	}
	if c.MaxTimeoutMS <= 0 {
		c.MaxTimeoutMS = 30000
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 2_000_000
	}
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = 4
	}
	if len(c.AllowedBuiltins) == 0 {
		c.AllowedBuiltins = []string{"len", "range", "str", "int", "float", "bool", "list", "dict", "print"}
	}
}

// SearchWeights mirrors the weighted-sum signal table used to rank tools
// against a natural-language query. Each field is a coefficient applied to
// its corresponding normalized signal before summation.
type SearchWeights struct {
	ExactName        float64 `mapstructure:"exact_name"`
	NameSubstring    float64 `mapstructure:"name_substring"`
	TokenJaccard     float64 `mapstructure:"token_jaccard"`
	FuzzyName        float64 `mapstructure:"fuzzy_name"`
	DescriptionHit   float64 `mapstructure:"description_hit"`
	TagHit           float64 `mapstructure:"tag_hit"`
	CategoryHit      float64 `mapstructure:"category_hit"`
	SynonymExpansion float64 `mapstructure:"synonym_expansion"`
	Popularity       float64 `mapstructure:"popularity"`
}

func (w *SearchWeights) Normalize() {
	if w.ExactName == 0 {
		w.ExactName = 0.35
	}
	if w.NameSubstring == 0 {
		w.NameSubstring = 0.15
	}
	if w.TokenJaccard == 0 {
		w.TokenJaccard = 0.20
	}
	if w.FuzzyName == 0 {
		w.FuzzyName = 0.10
	}
	if w.DescriptionHit == 0 {
		w.DescriptionHit = 0.08
	}
	if w.TagHit == 0 {
		w.TagHit = 0.07
	}
	if w.CategoryHit == 0 {
		w.CategoryHit = 0.03
	}
	if w.SynonymExpansion == 0 {
		w.SynonymExpansion = 0.02
	}
	if w.Popularity == 0 {
		w.Popularity = 0.05
	}
}

// SearchConfig configures the tool store's lexical search/ranking stage.
type SearchConfig struct {
	Weights    SearchWeights       `mapstructure:"weights"`
	Threshold  float64             `mapstructure:"threshold"`
	TopK       int                 `mapstructure:"top_k"`
	Synonyms   map[string][]string `mapstructure:"synonyms"`
	RecallSize int                 `mapstructure:"recall_size"`
}

func (c *SearchConfig) Normalize() {
	c.Weights.Normalize()
	if c.Threshold <= 0 {
		c.Threshold = 0.3
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.RecallSize <= 0 {
		c.RecallSize = 50
	}
	if c.Synonyms == nil {
		c.Synonyms = defaultSynonyms()
	}
}

func defaultSynonyms() map[string][]string {
	return map[string][]string{
		"calc":    {"calculate", "calculation", "compute"},
		"convert": {"conversion", "transform"},
		"fetch":   {"get", "retrieve", "download"},
		"parse":   {"extract", "read"},
		"sum":     {"add", "total", "aggregate"},
	}
}

// AgentConfig governs the reasoning-agent state machine's operating
// envelope: iteration and wall-clock ceilings, the reliability threshold
// at which a tool is treated as bugged, and per-step execution budgets.
type AgentConfig struct {
	MaxIterations      int `mapstructure:"max_iterations"`
	WallClockBudgetSec int `mapstructure:"wall_clock_budget_seconds"`
	StepExecBudgetSec  int `mapstructure:"step_exec_budget_seconds"`
	BugThreshold       int `mapstructure:"bug_threshold"`
	MaxComposeDepth    int `mapstructure:"max_compose_depth"`
	EventBufferSize    int `mapstructure:"event_buffer_size"`
}

func (c *AgentConfig) Normalize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.WallClockBudgetSec <= 0 {
		c.WallClockBudgetSec = 120
	}
	if c.StepExecBudgetSec <= 0 {
		c.StepExecBudgetSec = 10
	}
	if c.BugThreshold <= 0 {
		c.BugThreshold = 3
	}
	if c.MaxComposeDepth <= 0 {
		c.MaxComposeDepth = 4
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
}

// LoadConfig reads configuration from the given path (or the default
// search paths if empty), applies environment overrides under the AGENT_
// prefix, normalizes defaults, and validates the result. It panics on any
// load or validation failure since a misconfigured daemon should never
// start serving traffic.
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			dir := filepath.Dir(exe)
			v.AddConfigPath(dir)
			v.AddConfigPath(filepath.Join(dir, "config"))
		}
	}

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("config: reading config: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("config: unmarshal: %w", err))
	}

	cfg.Server.Normalize()
	cfg.LLM.Normalize()
	cfg.Telemetry.Normalize()
	cfg.Storage.Normalize()
	cfg.Sandbox.Normalize()
	cfg.Search.Normalize()
	cfg.Agent.Normalize()

	if err := cfg.LLM.Validate(); err != nil {
		panic(fmt.Errorf("config: %w", err))
	}
	if err := cfg.Storage.Validate(); err != nil {
		panic(fmt.Errorf("config: %w", err))
	}
	if err := cfg.Sandbox.Validate(); err != nil {
		panic(fmt.Errorf("config: %w", err))
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.environment", "development")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("sandbox.default_timeout_ms", 5000)
	v.SetDefault("sandbox.max_call_depth", 4)
	v.SetDefault("search.threshold", 0.3)
	v.SetDefault("search.top_k", 10)
	v.SetDefault("agent.max_iterations", 8)
	v.SetDefault("agent.bug_threshold", 3)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
