package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "editorial.yml"

// Config models editorial.yml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Generator GeneratorConfig `yaml:"generator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Workspace string `yaml:"workspace"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GeneratorConfig struct {
	// Provider is builtin or openai.
	Provider      string        `yaml:"provider"`
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	SystemPrompt  string        `yaml:"system_prompt"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout"`
	DefaultPhases []string      `yaml:"default_phases"`
	ProgressStep  int           `yaml:"progress_step"`
	Async         bool          `yaml:"async"`
}

type SchedulerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchLimit int           `yaml:"batch_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	// Provider is nop, log or http.
	Provider       string        `yaml:"provider"`
	Endpoint       string        `yaml:"endpoint"`
	Secret         string        `yaml:"secret"`
	Timeout        time.Duration `yaml:"timeout"`
	IndexPath      string        `yaml:"index_path"`
	PostPathPrefix string        `yaml:"post_path_prefix"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with edt config init", path)
		}
		return nil, err
	}
	return FromFile(path)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return FromFile(path)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be 'sqlite' or 'postgres'")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	switch c.Generator.Provider {
	case "builtin":
	case "openai":
		if c.Generator.Endpoint == "" || c.Generator.Model == "" {
			return fmt.Errorf("config.generator.endpoint and model are required for openai")
		}
	default:
		return fmt.Errorf("config.generator.provider must be 'builtin' or 'openai'")
	}
	if c.Generator.PhaseTimeout < 0 {
		return fmt.Errorf("config.generator.phase_timeout must not be negative")
	}
	if c.Generator.ProgressStep < 0 || c.Generator.ProgressStep > 100 {
		return fmt.Errorf("config.generator.progress_step must be within 0..100")
	}
	for _, p := range c.Generator.DefaultPhases {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.generator.default_phases has an empty phase")
		}
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive when the scheduler is enabled")
	}
	if c.Scheduler.BatchLimit < 0 || c.Scheduler.BatchLimit > 500 {
		return fmt.Errorf("config.scheduler.batch_limit must be within 0..500")
	}
	switch c.Cache.Provider {
	case "nop", "log":
	case "http":
		if c.Cache.Endpoint == "" {
			return fmt.Errorf("config.cache.endpoint is required for http")
		}
	default:
		return fmt.Errorf("config.cache.provider must be 'nop', 'log' or 'http'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML. An empty secret leaves
// bearer auth disabled.
func GenerateDefault(jwtSecret string) string {
	var buf bytes.Buffer
	_ = defaultTemplate.Execute(&buf, struct{ JWTSecret string }{jwtSecret})
	return buf.String()
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault("")), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

var defaultTemplate = template.Must(template.New("config").Parse(`database:
  driver: sqlite
  dsn: ""
  workspace: .

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: "{{.JWTSecret}}"

log:
  level: info
  format: text

generator:
  provider: builtin
  endpoint: ""
  model: ""
  api_key: ""
  system_prompt: "You are an editorial assistant writing blog content."
  phase_timeout: 2m
  default_phases: [outline, expand, seo, alt-text]
  progress_step: 5
  async: true

scheduler:
  enabled: true
  interval: 30s
  batch_limit: 50
  timeout: 1m

cache:
  provider: nop
  endpoint: ""
  secret: ""
  timeout: 10s
  index_path: /blog
  post_path_prefix: /blog/
`))
