// Package config loads and validates the relay YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay/internal/errors"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	State         StateConfig      `yaml:"state"`
	Classifier    ClassifierConfig `yaml:"classifier"`
	Runner        RunnerConfig     `yaml:"runner"`
	Procedures    ProceduresConfig `yaml:"procedures"`
	Linear        LinearConfig     `yaml:"linear"`
	Notifications bool             `yaml:"notifications,omitempty"`

	DataDir        string `yaml:"data_dir,omitempty"`
	AttachmentsDir string `yaml:"attachments_dir,omitempty"` // Defaults to <data_dir>/attachments
	WorkspacesDir  string `yaml:"workspaces_dir,omitempty"`  // Defaults to <data_dir>/workspaces
	PromptsDir     string `yaml:"prompts_dir,omitempty"`

	Repositories []Repository `yaml:"repositories"`

	mu       sync.RWMutex
	filePath string
}

// ServerConfig configures the HTTP status and event surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StateConfig selects and configures the snapshot backend.
type StateConfig struct {
	Backend       string        `yaml:"backend"` // file, sqlite, redis, mongo
	Path          string        `yaml:"path,omitempty"`
	SQLitePath    string        `yaml:"sqlite_path,omitempty"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisKey      string        `yaml:"redis_key,omitempty"`
	MongoURI      string        `yaml:"mongo_uri,omitempty"`
	MongoDatabase string        `yaml:"mongo_database,omitempty"`
	SaveInterval  time.Duration `yaml:"save_interval,omitempty"`
}

// ClassifierConfig configures the AI procedure classifier.
type ClassifierConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Model     string        `yaml:"model,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
}

// RunnerConfig configures the agent runner backends.
type RunnerConfig struct {
	Default      string   `yaml:"default"`
	ClaudePath   string   `yaml:"claude_path,omitempty"`
	CodexPath    string   `yaml:"codex_path,omitempty"`
	GeminiPath   string   `yaml:"gemini_path,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	MaxTurns     int      `yaml:"max_turns,omitempty"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	// DelegationTool is the tool whose result announces a spawned child session.
	DelegationTool string `yaml:"delegation_tool,omitempty"`
}

// ProceduresConfig configures procedure selection.
type ProceduresConfig struct {
	File                    string   `yaml:"file,omitempty"`
	OverrideLabels          []string `yaml:"override_labels,omitempty"`
	Default                 string   `yaml:"default,omitempty"`
	MaxValidationIterations int      `yaml:"max_validation_iterations,omitempty"`
}

// LinearConfig configures the Linear platform adapter.
type LinearConfig struct {
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"`
	APIURL            string  `yaml:"api_url,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// Backends accepted in state.backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Runner backends accepted in runner.default and repository runner fields.
var knownRunners = []string{"claude", "codex", "gemini"}

// DefaultAllowedTools is granted to runners when neither the repository nor
// the runner section lists tools.
var DefaultAllowedTools = []string{
	"Read", "Edit", "Write", "Glob", "Grep", "Task", "TodoWrite", "WebFetch",
	"Bash(git:*)", "Bash(gh:*)",
}

// DefaultOverrideLabels is the fixed priority order of procedure override labels.
var DefaultOverrideLabels = []string{"orchestrator", "debugger", "plan", "question", "docs"}

// Dir returns the default relay directory (~/.relay).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relay"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Default returns a configuration with every default applied and no
// repositories.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if dir, err := Dir(); err == nil {
			c.DataDir = dir
		} else {
			c.DataDir = ".relay"
		}
	}
	c.DataDir = expandHome(c.DataDir)
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = filepath.Join(c.DataDir, "attachments")
	}
	if c.WorkspacesDir == "" {
		c.WorkspacesDir = filepath.Join(c.DataDir, "workspaces")
	}
	c.AttachmentsDir = expandHome(c.AttachmentsDir)
	c.WorkspacesDir = expandHome(c.WorkspacesDir)
	c.PromptsDir = expandHome(c.PromptsDir)

	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:3456"
	}

	s := &c.State
	if s.Backend == "" {
		s.Backend = BackendFile
	}
	if s.Path == "" {
		s.Path = filepath.Join(c.DataDir, "state.json")
	}
	if s.SQLitePath == "" {
		s.SQLitePath = filepath.Join(c.DataDir, "state.db")
	}
	s.Path = expandHome(s.Path)
	s.SQLitePath = expandHome(s.SQLitePath)
	if s.RedisKey == "" {
		s.RedisKey = "relay:state"
	}
	if s.MongoDatabase == "" {
		s.MongoDatabase = "relay"
	}
	if s.SaveInterval == 0 {
		s.SaveInterval = 30 * time.Second
	}

	if c.Classifier.Model == "" {
		c.Classifier.Model = "claude-haiku-4-5"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 10 * time.Second
	}
	if c.Classifier.APIKeyEnv == "" {
		c.Classifier.APIKeyEnv = "ANTHROPIC_API_KEY"
	}

	r := &c.Runner
	if r.Default == "" {
		r.Default = "claude"
	}
	if r.ClaudePath == "" {
		r.ClaudePath = "claude"
	}
	if r.CodexPath == "" {
		r.CodexPath = "codex"
	}
	if r.GeminiPath == "" {
		r.GeminiPath = "gemini"
	}
	if len(r.AllowedTools) == 0 {
		r.AllowedTools = slices.Clone(DefaultAllowedTools)
	}
	if r.DelegationTool == "" {
		r.DelegationTool = "create_agent_session"
	}

	p := &c.Procedures
	if len(p.OverrideLabels) == 0 {
		p.OverrideLabels = slices.Clone(DefaultOverrideLabels)
	}
	if p.Default == "" {
		p.Default = "full-development"
	}
	if p.MaxValidationIterations == 0 {
		p.MaxValidationIterations = 3
	}
	p.File = expandHome(p.File)

	if c.Linear.APIKeyEnv == "" {
		c.Linear.APIKeyEnv = "LINEAR_API_KEY"
	}
	if c.Linear.APIURL == "" {
		c.Linear.APIURL = "https://api.linear.app/graphql"
	}
	if c.Linear.RequestsPerSecond == 0 {
		c.Linear.RequestsPerSecond = 5
	}

	for i := range c.Repositories {
		repo := &c.Repositories[i]
		repo.Path = expandHome(repo.Path)
		if repo.Name == "" {
			repo.Name = repo.ID
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = "main"
		}
		if repo.Platform == "" {
			repo.Platform = "linear"
		}
	}
}

// Load reads the config from the default path. A missing file yields the
// defaults.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config at path. A missing file yields
// the defaults with filePath set so Save writes there.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, errors.ConfigInvalid(strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// ValidationError describes a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []ValidationError

	switch c.State.Backend {
	case BackendFile, BackendSQLite:
	case BackendRedis:
		if c.State.RedisAddr == "" {
			errs = append(errs, ValidationError{"state.redis_addr", "required for the redis backend"})
		}
	case BackendMongo:
		if c.State.MongoURI == "" {
			errs = append(errs, ValidationError{"state.mongo_uri", "required for the mongo backend"})
		}
	default:
		errs = append(errs, ValidationError{"state.backend", fmt.Sprintf("unknown backend %q", c.State.Backend)})
	}
	if c.State.SaveInterval < 0 {
		errs = append(errs, ValidationError{"state.save_interval", "must not be negative"})
	}
	if c.Classifier.Timeout < 0 {
		errs = append(errs, ValidationError{"classifier.timeout", "must not be negative"})
	}
	if !slices.Contains(knownRunners, c.Runner.Default) {
		errs = append(errs, ValidationError{"runner.default", fmt.Sprintf("unknown runner %q", c.Runner.Default)})
	}
	if c.Procedures.MaxValidationIterations < 1 {
		errs = append(errs, ValidationError{"procedures.max_validation_iterations", "must be at least 1"})
	}

	seen := make(map[string]bool)
	for i, repo := range c.Repositories {
		field := fmt.Sprintf("repositories[%d]", i)
		if repo.ID == "" {
			errs = append(errs, ValidationError{field + ".id", "is required"})
			continue
		}
		if seen[repo.ID] {
			errs = append(errs, ValidationError{field + ".id", fmt.Sprintf("duplicate repository id %q", repo.ID)})
		}
		seen[repo.ID] = true
		if repo.Path == "" {
			errs = append(errs, ValidationError{field + ".path", "is required"})
		}
		if repo.Runner != "" && !slices.Contains(knownRunners, repo.Runner) {
			errs = append(errs, ValidationError{field + ".runner", fmt.Sprintf("unknown runner %q", repo.Runner)})
		}
	}

	return errs
}

// Save writes the config to its file path.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.filePath
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.ConfigSaveFailed(path, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.ConfigSaveFailed(path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.ConfigSaveFailed(path, err)
	}
	return nil
}

// FilePath returns the file this config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// GetState returns the snapshot backend settings.
func (c *Config) GetState() StateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// GetClassifier returns the classifier settings.
func (c *Config) GetClassifier() ClassifierConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Classifier
}

// GetRunner returns a copy of the runner settings.
func (c *Config) GetRunner() RunnerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.Runner
	r.AllowedTools = slices.Clone(r.AllowedTools)
	return r
}

// GetProcedures returns a copy of the procedure settings.
func (c *Config) GetProcedures() ProceduresConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Procedures
	p.OverrideLabels = slices.Clone(p.OverrideLabels)
	return p
}

// GetLinear returns the Linear adapter settings.
func (c *Config) GetLinear() LinearConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Linear
}

// GetServerAddr returns the HTTP listen address.
func (c *Config) GetServerAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.Addr
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notifications
}

// GetDirs returns the attachments, workspaces and prompts directories.
func (c *Config) GetDirs() (attachments, workspaces, prompts string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AttachmentsDir, c.WorkspacesDir, c.PromptsDir
}

// LogPath returns the default log file, <data_dir>/relay.log.
func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.DataDir, "relay.log")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
