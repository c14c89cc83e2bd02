package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Reasoner     ReasonerConfig     `mapstructure:"reasoner"`
	Artifacts    ArtifactsConfig    `mapstructure:"artifacts"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Human        HumanConfig        `mapstructure:"human"`
	Observer     ObserverConfig     `mapstructure:"observer"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address           string `mapstructure:"address"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"` // bcrypt
	ManifestSecret    string `mapstructure:"manifest_secret"`     // signs run manifests
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai, anthropic, ollama, gemini
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names the provider used by each orchestrator role.
type LLMRoutingConfig struct {
	Route      string `mapstructure:"route"`
	Planning   string `mapstructure:"planning"`
	Reflection string `mapstructure:"reflection"`
	Synthesis  string `mapstructure:"synthesis"`
	Fallback   string `mapstructure:"fallback"`
}

// Validate checks that every routed provider is declared.
func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must declare at least one provider")
	}
	for name, p := range l.Providers {
		switch strings.ToLower(p.Type) {
		case "openai", "anthropic", "ollama", "gemini":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("llm.providers.%s.model required", name)
		}
	}
	routes := map[string]string{
		"route":      l.Routing.Route,
		"planning":   l.Routing.Planning,
		"reflection": l.Routing.Reflection,
		"synthesis":  l.Routing.Synthesis,
		"fallback":   l.Routing.Fallback,
	}
	for role, name := range routes {
		if name == "" {
			continue
		}
		if _, ok := l.Providers[name]; !ok {
			return fmt.Errorf("llm.routing.%s references unknown provider %q", role, name)
		}
	}
	if l.Routing.Fallback == "" && (l.Routing.Route == "" || l.Routing.Planning == "" || l.Routing.Reflection == "" || l.Routing.Synthesis == "") {
		return fmt.Errorf("llm.routing.fallback required when a role is left unrouted")
	}
	return nil
}

// ReasonerConfig controls retry behaviour of reasoner calls.
type ReasonerConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Jitter        bool          `mapstructure:"jitter"`
}

func (r ReasonerConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("reasoner.max_attempts must be >= 1")
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("reasoner.backoff_factor must be >= 1")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("reasoner delays cannot be negative")
	}
	return nil
}

// ArtifactsConfig sizes the artifact store.
type ArtifactsConfig struct {
	Backend    string `mapstructure:"backend"` // memory or redis
	MaxItems   int    `mapstructure:"max_items"`
	TTLSeconds int    `mapstructure:"ttl_seconds"` // 0 disables expiry
	KeyPrefix  string `mapstructure:"key_prefix"`
}

func (a ArtifactsConfig) Validate() error {
	if a.MaxItems <= 0 {
		return fmt.Errorf("artifacts.max_items must be > 0")
	}
	if a.TTLSeconds < 0 {
		return fmt.Errorf("artifacts.ttl_seconds cannot be negative")
	}
	switch a.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("artifacts.backend must be memory or redis, got %q", a.Backend)
	}
	return nil
}

// TTL returns the configured expiry as a duration.
func (a ArtifactsConfig) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

// OrchestratorConfig bounds the research loop.
type OrchestratorConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations"`
	FanoutConcurrency  int           `mapstructure:"fanout_concurrency"`
	HumanTimeout       time.Duration `mapstructure:"human_timeout"`
	SummaryMaxChars    int           `mapstructure:"summary_max_chars"`
	SynthesisMaxTokens int           `mapstructure:"synthesis_max_tokens"`
	MaxToolCalls       int           `mapstructure:"max_tool_calls"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	// RetainFinished caps how many ended runs stay readable in memory.
	RetainFinished int `mapstructure:"retain_finished"`
}

func (o OrchestratorConfig) Validate() error {
	if o.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be > 0")
	}
	if o.FanoutConcurrency <= 0 {
		return fmt.Errorf("orchestrator.fanout_concurrency must be > 0")
	}
	if o.HumanTimeout <= 0 {
		return fmt.Errorf("orchestrator.human_timeout must be > 0")
	}
	if o.SummaryMaxChars <= 0 {
		return fmt.Errorf("orchestrator.summary_max_chars must be > 0")
	}
	if o.MaxToolCalls < 0 || o.MaxDuration < 0 {
		return fmt.Errorf("orchestrator budget limits cannot be negative")
	}
	return nil
}

// ToolsConfig configures the built-in tools and the optional HTTP catalog.
type ToolsConfig struct {
	CatalogFile   string          `mapstructure:"catalog_file"`
	SigningSecret string          `mapstructure:"signing_secret"`
	WebFetch      WebFetchConfig  `mapstructure:"web_fetch"`
	WebSearch     WebSearchConfig `mapstructure:"web_search"`
	Ingest        IngestConfig    `mapstructure:"ingest"`
}

// WebFetchConfig selects the page fetcher.
type WebFetchConfig struct {
	Fetcher    string        `mapstructure:"fetcher"` // http or chromedp
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxChars   int           `mapstructure:"max_chars"`
	PolicyFile string        `mapstructure:"policy_file"` // network allow/deny YAML
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider   string `mapstructure:"provider"` // brave or serper
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// IngestConfig configures document ingestion sessions.
type IngestConfig struct {
	Store string        `mapstructure:"store"` // inmemory or redis
	TTL   time.Duration `mapstructure:"ttl"`
}

// HumanConfig selects the human response channel.
type HumanConfig struct {
	Backend string `mapstructure:"backend"` // memory or redis
}

// ObserverConfig selects where step records go.
type ObserverConfig struct {
	Backend string `mapstructure:"backend"` // log or redis
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`

	// QueueSize bounds records awaiting publication; overflow is dropped.
	QueueSize int `mapstructure:"queue_size"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether Postgres is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("reasoner.max_attempts", 3)
	v.SetDefault("reasoner.initial_delay", time.Second)
	v.SetDefault("reasoner.backoff_factor", 2.0)
	v.SetDefault("reasoner.max_delay", 10*time.Second)
	v.SetDefault("reasoner.jitter", false)
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.max_items", 1000)
	v.SetDefault("artifacts.ttl_seconds", 3600)
	v.SetDefault("artifacts.key_prefix", "artifact")
	v.SetDefault("orchestrator.max_iterations", 8)
	v.SetDefault("orchestrator.fanout_concurrency", 10)
	v.SetDefault("orchestrator.human_timeout", 300*time.Second)
	v.SetDefault("orchestrator.summary_max_chars", 280)
	v.SetDefault("orchestrator.synthesis_max_tokens", 6000)
	v.SetDefault("orchestrator.max_tool_calls", 0)
	v.SetDefault("orchestrator.max_duration", 0)
	v.SetDefault("orchestrator.retain_finished", 256)
	v.SetDefault("tools.web_fetch.fetcher", "http")
	v.SetDefault("tools.web_fetch.timeout", 15*time.Second)
	v.SetDefault("tools.web_fetch.max_chars", 20000)
	v.SetDefault("tools.web_search.provider", "brave")
	v.SetDefault("tools.web_search.max_results", 8)
	v.SetDefault("tools.ingest.store", "inmemory")
	v.SetDefault("tools.ingest.ttl", 48*time.Hour)
	v.SetDefault("human.backend", "memory")
	v.SetDefault("observer.backend", "log")
	v.SetDefault("observer.stream", "researcher:steps")
	v.SetDefault("observer.max_len", 10000)
	v.SetDefault("observer.queue_size", 1024)
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
}

// Load reads configuration from path (or the default search locations when
// path is empty) plus RESEARCHER_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// a missing default config is fine: env + defaults may be enough
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config and panics on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []func() error{
		c.LLM.Validate,
		c.Reasoner.Validate,
		c.Artifacts.Validate,
		c.Orchestrator.Validate,
		c.Telemetry.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	needsRedis := c.Artifacts.Backend == "redis" || c.Human.Backend == "redis" ||
		c.Observer.Backend == "redis" || c.Tools.Ingest.Store == "redis"
	if needsRedis {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	if c.Storage.Postgres.Enabled() {
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	}
	return nil
}
