// Package config loads the declarative startup configuration file:
// server settings, app-config values, integrations, and route triggers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lowkit/lowkit/server"
)

const (
	projectConfigName = "lowkit.yaml"
	homeConfigName    = "config.yaml"
)

// File is the declarative startup config shape.
type File struct {
	Listen       string `yaml:"listen,omitempty"`
	CORSOrigin   string `yaml:"cors_origin,omitempty"`
	MaxBodyBytes int64  `yaml:"max_body_bytes,omitempty"`

	// ScriptBudget is a Go duration string, e.g. "4s" or "250ms".
	ScriptBudget string `yaml:"script_budget,omitempty"`

	Store StoreConfig `yaml:"store,omitempty"`

	// AppConfig values back cfg:<key> indirections in integration
	// settings and are readable from scripts.
	AppConfig map[string]string `yaml:"app_config,omitempty"`

	Integrations map[string]Integration `yaml:"integrations,omitempty"`

	Triggers []server.Trigger `yaml:"triggers,omitempty"`

	Otel OtelConfig `yaml:"otel,omitempty"`
}

// StoreConfig selects where route records are persisted.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// Integration is one declared external-service integration.
type Integration struct {
	Name     string            `yaml:"name,omitempty"`
	Group    string            `yaml:"group"`
	Variant  string            `yaml:"variant"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// OtelConfig enables trace export when an endpoint is set.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// Discover resolves the config file location with first-match semantics:
// an explicit path must exist; otherwise ./lowkit.yaml, then
// ~/.lowkit/config.yaml. Returns found=false when nothing matches.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".lowkit", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and validates a config file. Environment references in
// setting and app-config values are expanded.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.AppConfig = expandStringMap(cfg.AppConfig)
	for id, integ := range cfg.Integrations {
		integ.Settings = expandStringMap(integ.Settings)
		cfg.Integrations[id] = integ
	}

	if err := cfg.validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func (f File) validate() error {
	if _, err := f.ScriptBudgetDuration(); err != nil {
		return err
	}
	for id, integ := range f.Integrations {
		group := strings.ToLower(strings.TrimSpace(integ.Group))
		variant := strings.ToLower(strings.TrimSpace(integ.Variant))
		switch group {
		case server.GroupDatabase:
			if variant != "postgres" && variant != "sqlite" {
				return fmt.Errorf("integration %q: unsupported database variant %q", id, variant)
			}
		case server.GroupAI:
			// Provider identity lives in settings; nothing to check here.
		case server.GroupObservability:
			if variant != "loki" && variant != "openobserve" {
				return fmt.Errorf("integration %q: unsupported observability variant %q", id, variant)
			}
		default:
			return fmt.Errorf("integration %q: unsupported group %q", id, integ.Group)
		}
	}
	for _, trig := range f.Triggers {
		if strings.TrimSpace(trig.RouteID) == "" {
			return errors.New("trigger: route_id is required")
		}
		if strings.TrimSpace(trig.Cron) == "" {
			return fmt.Errorf("trigger for route %q: cron is required", trig.RouteID)
		}
	}
	return nil
}

// ScriptBudgetDuration parses the script_budget value, returning zero
// when unset.
func (f File) ScriptBudgetDuration() (time.Duration, error) {
	clean := strings.TrimSpace(f.ScriptBudget)
	if clean == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid script_budget %q: %w", f.ScriptBudget, err)
	}
	return d, nil
}

// ServerIntegrations converts the file shape into the server's map.
func (f File) ServerIntegrations() map[string]server.IntegrationConfig {
	if len(f.Integrations) == 0 {
		return nil
	}
	out := make(map[string]server.IntegrationConfig, len(f.Integrations))
	for id, integ := range f.Integrations {
		out[id] = server.IntegrationConfig{
			Name:     integ.Name,
			Group:    strings.ToLower(strings.TrimSpace(integ.Group)),
			Variant:  strings.ToLower(strings.TrimSpace(integ.Variant)),
			Settings: integ.Settings,
		}
	}
	return out
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = os.ExpandEnv(value)
	}
	return out
}
