package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "provisioner.yml"

// Config models provisioner.yml.
type Config struct {
	Database struct {
		Driver    string `yaml:"driver" mapstructure:"driver"`
		DSN       string `yaml:"dsn" mapstructure:"dsn"`
		Workspace string `yaml:"workspace" mapstructure:"workspace"`
	} `yaml:"database" mapstructure:"database"`
	Server struct {
		Addr      string `yaml:"addr" mapstructure:"addr"`
		BasePath  string `yaml:"base_path" mapstructure:"base_path"`
		JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	} `yaml:"server" mapstructure:"server"`
	Jobs struct {
		ClaimTTLSeconds int `yaml:"claim_ttl_seconds" mapstructure:"claim_ttl_seconds"`
	} `yaml:"jobs" mapstructure:"jobs"`
	Templates struct {
		Sets map[string][]string `yaml:"sets" mapstructure:"sets"`
	} `yaml:"templates" mapstructure:"templates"`
	Storage   Storage `yaml:"storage" mapstructure:"storage"`
	Bus       Bus     `yaml:"bus" mapstructure:"bus"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
		ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
	} `yaml:"telemetry" mapstructure:"telemetry"`
	Logging struct {
		Level       string `yaml:"level" mapstructure:"level"`
		Development bool   `yaml:"development" mapstructure:"development"`
	} `yaml:"logging" mapstructure:"logging"`
	Webhooks []Webhook `yaml:"webhooks" mapstructure:"webhooks"`
}

type Storage struct {
	Backend      string `yaml:"backend" mapstructure:"backend"`
	Endpoint     string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey    string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey    string `yaml:"secret_key" mapstructure:"secret_key"`
	Region       string `yaml:"region" mapstructure:"region"`
	UseSSL       bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	BucketPrefix string `yaml:"bucket_prefix" mapstructure:"bucket_prefix"`
}

type Bus struct {
	NATSURL       string `yaml:"nats_url" mapstructure:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// Webhook receives audit events as signed JSON posts.
type Webhook struct {
	URL            string   `yaml:"url" mapstructure:"url"`
	Secret         string   `yaml:"secret" mapstructure:"secret"`
	Events         []string `yaml:"events" mapstructure:"events"`
	Enabled        *bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

func (w Webhook) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// ClaimTTL is how long an in_progress checkpoint blocks retries.
func (c *Config) ClaimTTL() time.Duration {
	if c.Jobs.ClaimTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Jobs.ClaimTTLSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Jobs.ClaimTTLSeconds < 0 {
		return fmt.Errorf("config.jobs.claim_ttl_seconds must not be negative")
	}
	for name, templates := range c.Templates.Sets {
		if name == "" {
			return fmt.Errorf("config.templates.sets contains empty set name")
		}
		for _, tpl := range templates {
			if tpl == "" {
				return fmt.Errorf("template set %s has empty template name", name)
			}
		}
	}
	switch c.Storage.Backend {
	case "", "noop", "s3":
	case "minio":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("config.storage.endpoint is required for minio")
		}
	default:
		return fmt.Errorf("config.storage.backend must be noop, s3 or minio")
	}
	if c.Bus.NATSURL != "" && c.Bus.SubjectPrefix == "" {
		return fmt.Errorf("config.bus.subject_prefix is required when nats_url is set")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not supported", c.Logging.Level)
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %d has invalid url %q", i, hook.URL)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %d has empty event type", i)
			}
		}
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

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `database:
  driver: sqlite
  workspace: .

server:
  addr: 127.0.0.1:8080
  base_path: /v1

jobs:
  claim_ttl_seconds: 60

templates:
  sets:
    default: [readme, gitignore, ci]
    web: [readme, gitignore, ci, dockerfile, frontend]
    service: [readme, gitignore, ci, dockerfile, openapi]

storage:
  backend: noop
  region: us-east-1
  bucket_prefix: prov

bus:
  subject_prefix: provisioner

telemetry:
  service_name: provisioner

logging:
  level: info
`
