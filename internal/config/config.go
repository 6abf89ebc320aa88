package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models propwatch.yml.
type Config struct {
	Workers struct {
		Count        int    `yaml:"count" json:"count"`
		PollInterval string `yaml:"poll_interval" json:"poll_interval"`
	} `yaml:"workers" json:"workers"`
	Queue struct {
		Lease       string   `yaml:"lease" json:"lease"`
		MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
		Backoff     []string `yaml:"backoff" json:"backoff"`
	} `yaml:"queue" json:"queue"`
	Storage  Storage `yaml:"storage" json:"storage"`
	Resolver struct {
		CodePrefix string `yaml:"code_prefix" json:"code_prefix"`
		CodeWidth  int    `yaml:"code_width" json:"code_width"`
	} `yaml:"resolver" json:"resolver"`
	Thresholds []Threshold `yaml:"thresholds" json:"thresholds"`
	Server     struct {
		Addr             string `yaml:"addr" json:"addr"`
		JWTSecret        string `yaml:"jwt_secret" json:"-"`
		AllowActorHeader bool   `yaml:"allow_actor_header" json:"allow_actor_header"`
		DefaultActorID   string `yaml:"default_actor" json:"default_actor"`
	} `yaml:"server" json:"server"`
	Webhooks []Webhook `yaml:"webhooks" json:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"logging" json:"logging"`
}

type Storage struct {
	// Backend is fs or minio.
	Backend string `yaml:"backend" json:"backend"`
	FS      struct {
		Root string `yaml:"root" json:"root"`
	} `yaml:"fs" json:"fs"`
	Minio struct {
		Endpoint  string `yaml:"endpoint" json:"endpoint"`
		Bucket    string `yaml:"bucket" json:"bucket"`
		AccessKey string `yaml:"access_key" json:"-"`
		SecretKey string `yaml:"secret_key" json:"-"`
		UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
		Region    string `yaml:"region" json:"region"`
	} `yaml:"minio" json:"minio"`
}

// Threshold binds a metric to the committee that reviews breaches.
type Threshold struct {
	Metric    string  `yaml:"metric" json:"metric"`
	Value     float64 `yaml:"threshold" json:"threshold"`
	Direction string  `yaml:"direction" json:"direction"`
	Committee string  `yaml:"committee" json:"committee"`
	// Scale converts the raw deviation into band units, 100 for ratio points.
	Scale float64 `yaml:"scale" json:"scale"`
	Bands []Band  `yaml:"bands" json:"bands"`
}

// Band assigns Severity when the scaled deviation is strictly greater than Over.
type Band struct {
	Over     float64 `yaml:"over" json:"over"`
	Severity string  `yaml:"severity" json:"severity"`
}

type Webhook struct {
	ID      string   `yaml:"id" json:"id"`
	URL     string   `yaml:"url" json:"url"`
	Secret  string   `yaml:"secret" json:"-"`
	Actions []string `yaml:"actions" json:"actions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// an explicit thresholds list replaces the default list
	cfg.Thresholds = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = Default().Thresholds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "propwatch.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("config.workers.count must be at least 1")
	}
	if _, err := parsePositive("workers.poll_interval", c.Workers.PollInterval); err != nil {
		return err
	}
	if _, err := parsePositive("queue.lease", c.Queue.Lease); err != nil {
		return err
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be at least 1")
	}
	if len(c.Queue.Backoff) == 0 {
		return fmt.Errorf("config.queue.backoff needs at least one duration")
	}
	for i, b := range c.Queue.Backoff {
		if _, err := time.ParseDuration(b); err != nil {
			return fmt.Errorf("config.queue.backoff[%d]: %w", i, err)
		}
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.FS.Root == "" {
			return fmt.Errorf("config.storage.fs.root is required")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("config.storage.minio needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("config.storage.backend must be fs or minio, got %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Resolver.CodePrefix) == "" {
		return fmt.Errorf("config.resolver.code_prefix is required")
	}
	if c.Resolver.CodeWidth < 1 {
		return fmt.Errorf("config.resolver.code_width must be at least 1")
	}
	seen := map[string]bool{}
	for i, t := range c.Thresholds {
		if t.Metric == "" {
			return fmt.Errorf("config.thresholds[%d].metric is required", i)
		}
		if seen[t.Metric] {
			return fmt.Errorf("config.thresholds has duplicate metric %s", t.Metric)
		}
		seen[t.Metric] = true
		if t.Direction != "below" && t.Direction != "above" {
			return fmt.Errorf("threshold %s direction must be below or above", t.Metric)
		}
		if t.Committee == "" {
			return fmt.Errorf("threshold %s committee is required", t.Metric)
		}
		if t.Scale <= 0 {
			return fmt.Errorf("threshold %s scale must be positive", t.Metric)
		}
		if len(t.Bands) == 0 {
			return fmt.Errorf("threshold %s needs at least one band", t.Metric)
		}
		for _, b := range t.Bands {
			if b.Severity != "warning" && b.Severity != "critical" {
				return fmt.Errorf("threshold %s band severity %q unknown", t.Metric, b.Severity)
			}
			if b.Over < 0 {
				return fmt.Errorf("threshold %s band over must not be negative", t.Metric)
			}
		}
	}
	for i, h := range c.Webhooks {
		if h.ID == "" || h.URL == "" {
			return fmt.Errorf("config.webhooks[%d] needs id and url", i)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

func parsePositive(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.%s must be positive", name)
	}
	return d, nil
}

func (c *Config) LeaseDuration() time.Duration {
	d, _ := time.ParseDuration(c.Queue.Lease)
	return d
}

func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Workers.PollInterval)
	return d
}

func (c *Config) BackoffSchedule() []time.Duration {
	res := make([]time.Duration, 0, len(c.Queue.Backoff))
	for _, b := range c.Queue.Backoff {
		d, _ := time.ParseDuration(b)
		res = append(res, d)
	}
	return res
}

// ResolveStorageRoot makes a relative fs root relative to the workspace.
func (c *Config) ResolveStorageRoot(workspace string) string {
	root := c.Storage.FS.Root
	if filepath.IsAbs(root) {
		return root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, root)
}

const defaultTemplate = `workers:
  count: 4
  poll_interval: 2s

queue:
  lease: 10m
  max_attempts: 3
  backoff: [60s, 300s, 900s]

storage:
  backend: fs
  fs:
    root: .propwatch/objects
  minio:
    endpoint: ""
    bucket: propwatch-documents
    use_ssl: true

resolver:
  code_prefix: PROP
  code_width: 5

thresholds:
  - metric: occupancy_rate
    threshold: 0.85
    direction: below
    committee: asset-management
    scale: 100
    bands:
      - over: 0
        severity: warning
      - over: 10
        severity: critical
  - metric: expense_ratio
    threshold: 0.60
    direction: above
    committee: finance
    scale: 100
    bands:
      - over: 0
        severity: warning
      - over: 15
        severity: critical

server:
  addr: 127.0.0.1:8080
  allow_actor_header: true

logging:
  level: info
  format: text
`
