package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "specline.yml"

// Publisher kinds.
const (
	PublisherGitHub = "github"
	PublisherHTTP   = "http"
	PublisherNone   = "none"
)

// Config models specline.yml.
type Config struct {
	Specs struct {
		Root          string `yaml:"root"`
		WarnSizeBytes int64  `yaml:"warn_size_bytes"`
	} `yaml:"specs"`
	Publisher PublisherConfig `yaml:"publisher"`
	Server    struct {
		Addr           string `yaml:"addr"`
		BasePath       string `yaml:"base_path"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PublisherConfig struct {
	Kind           string `yaml:"kind"`
	Label          string `yaml:"label"`
	TitlePrefix    string `yaml:"title_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	GitHub         struct {
		Owner    string `yaml:"owner"`
		Repo     string `yaml:"repo"`
		TokenEnv string `yaml:"token_env"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"github"`
	HTTP struct {
		URL      string `yaml:"url"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"http"`
}

// Timeout bounds a single publish call.
func (p PublisherConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Token reads the publisher credential from the configured environment
// variable. Credentials never live in the config file.
func (p PublisherConfig) Token() string {
	env := ""
	switch p.Kind {
	case PublisherGitHub:
		env = p.GitHub.TokenEnv
	case PublisherHTTP:
		env = p.HTTP.TokenEnv
	}
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether deliveries should be attempted.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Load reads config from workspace, applying defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Specs.Root) == "" {
		return fmt.Errorf("config.specs.root is required")
	}
	if c.Specs.WarnSizeBytes <= 0 {
		return fmt.Errorf("config.specs.warn_size_bytes must be positive")
	}
	p := c.Publisher
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.publisher.timeout_seconds must be positive")
	}
	if strings.TrimSpace(p.Label) == "" {
		return fmt.Errorf("config.publisher.label is required")
	}
	switch p.Kind {
	case PublisherGitHub:
		if p.GitHub.Owner == "" || p.GitHub.Repo == "" {
			return fmt.Errorf("config.publisher.github.owner and repo are required for kind github")
		}
		if p.GitHub.BaseURL != "" {
			if err := validURL(p.GitHub.BaseURL); err != nil {
				return fmt.Errorf("config.publisher.github.base_url: %w", err)
			}
		}
	case PublisherHTTP:
		if err := validURL(p.HTTP.URL); err != nil {
			return fmt.Errorf("config.publisher.http.url: %w", err)
		}
	case PublisherNone:
	default:
		return fmt.Errorf("config.publisher.kind must be one of github, http, none (got %q)", p.Kind)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if err := validURL(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d].events contains an empty event type", i)
			}
		}
	}
	return nil
}

func validURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// SpecsRoot resolves the store root against the workspace.
func (c *Config) SpecsRoot(workspace string) string {
	if filepath.IsAbs(c.Specs.Root) {
		return c.Specs.Root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Specs.Root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults, then
// validates it.
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

// ToYAML renders the effective config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `specs:
  root: .specline/projects
  warn_size_bytes: 51200

publisher:
  kind: none
  label: ai-feature
  title_prefix: ""
  timeout_seconds: 20
  github:
    owner: ""
    repo: ""
    token_env: GITHUB_TOKEN
    base_url: ""
  http:
    url: ""
    token_env: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_anonymous: false

webhooks: []
`
