package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models chorus.yml. Protocol policy (claim limits, timeouts, reward
// split) is not configurable; this only covers how the node is operated.
type Config struct {
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
		DevLogin     bool   `yaml:"dev_login"`
		// StreamOrigins are extra browser origins allowed on the event stream.
		StreamOrigins []string `yaml:"stream_origins"`
		RateLimit     struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
	Payload struct {
		MaxBytes int `yaml:"max_bytes"`
	} `yaml:"payload"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL       string        `yaml:"url"`
	Events    []string      `yaml:"events"`
	SecretEnv string        `yaml:"secret_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

var logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 {
		return fmt.Errorf("config.server.rate_limit.rps must be >= 0")
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst <= 0 {
		return fmt.Errorf("config.server.rate_limit.burst must be > 0 when rps is set")
	}
	if c.Log.Level != "" && !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("config.log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}
	if c.Payload.MaxBytes <= 0 {
		return fmt.Errorf("config.payload.max_bytes must be > 0")
	}
	for i, origin := range c.Server.StreamOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("config.server.stream_origins[%d] must be * or an http(s) origin", i)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event filter", i)
			}
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chorus.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with chorus init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8420
  base_path: /v0
  jwt_secret_env: CHORUS_JWT_SECRET
  dev_login: false
  rate_limit:
    rps: 20
    burst: 40
  # browser origins allowed on /events/stream besides the API host
  stream_origins: []

log:
  level: info
  console: true

payload:
  # upper bound for encrypted content and answer blobs
  max_bytes: 1024

# webhooks:
#   - url: https://example.test/hooks/chorus
#     events: [prayer.posted, prayer.answered]
#     secret_env: CHORUS_WEBHOOK_SECRET
#     timeout: 5s
`
