// Package config loads the relay's read-only, process-wide configuration:
// a YAML file overlaid with environment variables, loaded once at startup
// (spec §9, "no global mutable config at runtime"). Grounded on
// internal/providers/catalog/catalog.go's InitFromEnvAndConfig
// (file-then-env, sync.RWMutex-guarded singleton, gopkg.in/yaml.v3).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Claude groups the vendor connection settings.
type Claude struct {
	APIURL     string `yaml:"api_url"`
	APIVersion string `yaml:"api_version"`
}

// OverloadHandling controls how long an account is marked overloaded after
// a 529 (spec §4.6); EnabledMinutes is a duration in minutes, 0 disables it.
type OverloadHandling struct {
	EnabledMinutes int `yaml:"enabled_minutes"`
}

func (o OverloadHandling) Enabled() bool { return o.EnabledMinutes > 0 }

func (o OverloadHandling) Duration() time.Duration {
	return time.Duration(o.EnabledMinutes) * time.Minute
}

// Proxy groups proxy-agent defaults.
type Proxy struct {
	UseIPv4 bool `yaml:"use_ipv4"`
}

// Config is the immutable, process-wide configuration snapshot.
type Config struct {
	Claude           Claude           `yaml:"claude"`
	BetaHeader       string           `yaml:"beta_header"`
	SystemPrompt     string           `yaml:"system_prompt"`
	OverloadHandling OverloadHandling `yaml:"overload_handling"`
	RequestTimeout   time.Duration    `yaml:"-"`
	Proxy            Proxy            `yaml:"proxy"`
	Verbose          bool             `yaml:"-"`
}

// fileConfig mirrors Config's YAML shape; RequestTimeout is parsed
// separately because YAML has no native duration type (same problem the
// catalog loader solves for provider timeouts).
type fileConfig struct {
	Claude           Claude           `yaml:"claude"`
	BetaHeader       string           `yaml:"beta_header"`
	SystemPrompt     string           `yaml:"system_prompt"`
	OverloadHandling OverloadHandling `yaml:"overload_handling"`
	RequestTimeout   string           `yaml:"request_timeout"`
	Proxy            Proxy            `yaml:"proxy"`
}

func defaults() Config {
	return Config{
		Claude: Claude{
			APIURL:     "https://api.anthropic.com",
			APIVersion: "2023-06-01",
		},
		RequestTimeout: 30 * time.Second,
		Proxy:          Proxy{UseIPv4: true},
	}
}

var (
	stateMu sync.RWMutex
	current Config
	loaded  bool
)

// Load reads path (if non-empty and present) and applies
// NEXUS_RELAY_*-prefixed environment overrides, then stores the result as
// the process-wide singleton returned by Current(). Safe to call once at
// startup; not safe to call concurrently with Current() readers expecting
// a stable value mid-request (spec §9: config changes require a restart).
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyFile(&cfg, fc)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	stateMu.Lock()
	current = cfg
	loaded = true
	stateMu.Unlock()

	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Claude.APIURL != "" {
		cfg.Claude.APIURL = fc.Claude.APIURL
	}
	if fc.Claude.APIVersion != "" {
		cfg.Claude.APIVersion = fc.Claude.APIVersion
	}
	if fc.BetaHeader != "" {
		cfg.BetaHeader = fc.BetaHeader
	}
	if fc.SystemPrompt != "" {
		cfg.SystemPrompt = fc.SystemPrompt
	}
	if fc.OverloadHandling.EnabledMinutes != 0 {
		cfg.OverloadHandling.EnabledMinutes = fc.OverloadHandling.EnabledMinutes
	}
	if fc.RequestTimeout != "" {
		if d, err := time.ParseDuration(fc.RequestTimeout); err == nil {
			cfg.RequestTimeout = d
		}
	}
	cfg.Proxy.UseIPv4 = fc.Proxy.UseIPv4
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_CLAUDE_API_URL")); v != "" {
		cfg.Claude.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_CLAUDE_API_VERSION")); v != "" {
		cfg.Claude.APIVersion = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_BETA_HEADER")); v != "" {
		cfg.BetaHeader = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_SYSTEM_PROMPT")); v != "" {
		cfg.SystemPrompt = v
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_OVERLOAD_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OverloadHandling.EnabledMinutes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_REQUEST_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_PROXY_USE_IPV4")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Proxy.UseIPv4 = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("NEXUS_RELAY_VERBOSE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
}

// Current returns the last-loaded configuration snapshot. Panics if Load
// has never been called, matching the teacher's "must initialize before
// use" convention (catalog.ensureInitialized).
func Current() Config {
	stateMu.RLock()
	defer stateMu.RUnlock()
	if !loaded {
		panic("config: Current() called before Load()")
	}
	return current
}
