package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model. It captures credentials,
// per-endpoint rate limits, and queue behavior.
type Config struct {
	Account     AccountConfig              `yaml:"account"`
	Credentials CredentialsConfig          `yaml:"credentials"`
	Limits      map[string]EndpointLimits  `yaml:"limits"`
	Queue       QueueConfig                `yaml:"queue"`
	Storage     StorageConfig              `yaml:"storage"`
	Metrics     MetricsConfig              `yaml:"metrics"`
}

type AccountConfig struct {
	Username string `yaml:"username"`
}

type CredentialsConfig struct {
	// X/Twitter API bearer token. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
}

// EndpointLimits configures one endpoint's quota across window kinds
// ("short", "medium", "long"). Endpoints with no entry are unconstrained.
type EndpointLimits struct {
	// FairShare splits window capacity evenly across active callers for
	// non-top-tier requests; otherwise capacity is first-come, unsplit.
	FairShare bool                    `yaml:"fairShare"`
	Windows   map[string]WindowLimit  `yaml:"windows"`
}

type WindowLimit struct {
	Capacity int      `yaml:"capacity"`
	Duration Duration `yaml:"duration"`
}

type QueueConfig struct {
	// Max attempts before a mention is terminally failed
	MaxRetries int `yaml:"maxRetries"`
	// Upper bound on mentions claimed per dispatch cycle
	BatchSize int `yaml:"batchSize"`
	// Age after which a processing claim is considered abandoned
	ClaimTTL Duration `yaml:"claimTTL"`
	// Mentions requested per fetch
	FetchLimit int `yaml:"fetchLimit"`
	// Tolerated difference between local and remote remaining counts
	DriftTolerance int `yaml:"driftTolerance"`
	// Logical worker ids sharing the endpoint quota
	Workers []string `yaml:"workers"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration so YAML can carry values like "15m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Account:     AccountConfig{Username: ""},
		Credentials: CredentialsConfig{BearerToken: ""},
		Limits: map[string]EndpointLimits{
			"reply": {
				FairShare: true,
				Windows: map[string]WindowLimit{
					"short":  {Capacity: 15, Duration: Duration(15 * time.Minute)},
					"medium": {Capacity: 50, Duration: Duration(3 * time.Hour)},
					"long":   {Capacity: 300, Duration: Duration(24 * time.Hour)},
				},
			},
			"mentions": {
				Windows: map[string]WindowLimit{
					"short": {Capacity: 10, Duration: Duration(15 * time.Minute)},
					"long":  {Capacity: 500, Duration: Duration(24 * time.Hour)},
				},
			},
		},
		Queue: QueueConfig{
			MaxRetries:     3,
			BatchSize:      5,
			ClaimTTL:       Duration(10 * time.Minute),
			FetchLimit:     100,
			DriftTolerance: 2,
			Workers:        []string{"worker-1"},
		},
		Storage: StorageConfig{DBPath: "./signalq.db"},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Credentials.BearerToken == "" {
		c.Credentials.BearerToken = os.Getenv("X_BEARER_TOKEN")
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
