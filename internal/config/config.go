// Package config loads the mirror configuration file. Configuration is a
// single YAML document naming the server connection, the resource collections
// to cache, and tuning for the restart backoff.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mirror/internal/backoff"
	"mirror/internal/listwatch"
)

// ServerConfig names the control-plane API server to mirror.
type ServerConfig struct {
	// URL is the server base URL. Ignored when Kubeconfig is set.
	URL string `yaml:"url,omitempty"`

	// Kubeconfig is a path to a kubeconfig file supplying the server URL,
	// TLS material, and credentials.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`

	// BearerToken authenticates requests when connecting via URL.
	BearerToken string `yaml:"bearerToken,omitempty"`

	// InsecureSkipTLSVerify disables server certificate verification.
	InsecureSkipTLSVerify bool `yaml:"insecureSkipTLSVerify,omitempty"`
}

// ResourceConfig describes one resource collection to cache.
type ResourceConfig struct {
	// Group is the API group; empty for the core group.
	Group string `yaml:"group,omitempty"`

	// Version is the API version within the group.
	Version string `yaml:"version"`

	// Kind is the object kind watch events carry.
	Kind string `yaml:"kind"`

	// Resource is the plural resource name used in URLs.
	Resource string `yaml:"resource"`

	// Namespace restricts the cache to one namespace; empty caches the
	// whole cluster-scoped (or all-namespace) collection.
	Namespace string `yaml:"namespace,omitempty"`

	// KeyPath overrides the dotted path store keys are derived from.
	KeyPath string `yaml:"keyPath,omitempty"`

	// PageSize overrides the list page size; zero uses the default.
	PageSize int64 `yaml:"pageSize,omitempty"`
}

// Listwatch converts the entry to the resource descriptor the cache consumes.
func (r ResourceConfig) Listwatch() listwatch.Resource {
	scope := listwatch.ClusterScoped
	if r.Namespace != "" {
		scope = listwatch.NamespaceScoped
	}
	return listwatch.Resource{
		Group:     r.Group,
		Version:   r.Version,
		Kind:      r.Kind,
		Resource:  r.Resource,
		Scope:     scope,
		Namespace: r.Namespace,
	}
}

// BackoffConfig tunes the reflector restart backoff. Durations are in
// milliseconds; zero values keep the built-in defaults.
type BackoffConfig struct {
	MinMs           int     `yaml:"minMs,omitempty"`
	MaxMs           int     `yaml:"maxMs,omitempty"`
	Factor          float64 `yaml:"factor,omitempty"`
	Jitter          float64 `yaml:"jitter,omitempty"`
	ResetDurationMs int     `yaml:"resetDurationMs,omitempty"`
}

// Options converts the entry to backoff manager options, skipping zero values.
func (b BackoffConfig) Options() []backoff.Option {
	var opts []backoff.Option
	if b.MinMs > 0 {
		opts = append(opts, backoff.WithMin(time.Duration(b.MinMs)*time.Millisecond))
	}
	if b.MaxMs > 0 {
		opts = append(opts, backoff.WithMax(time.Duration(b.MaxMs)*time.Millisecond))
	}
	if b.Factor > 1 {
		opts = append(opts, backoff.WithFactor(b.Factor))
	}
	if b.Jitter > 0 {
		opts = append(opts, backoff.WithJitter(b.Jitter))
	}
	if b.ResetDurationMs > 0 {
		opts = append(opts, backoff.WithResetDuration(time.Duration(b.ResetDurationMs)*time.Millisecond))
	}
	return opts
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Resources []ResourceConfig `yaml:"resources"`
	Backoff   BackoffConfig    `yaml:"backoff,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// GetDefaultConfig returns the configuration used when no file is given.
func GetDefaultConfig() Config {
	return Config{
		LogLevel: "info",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors no later layer can catch.
func (c Config) Validate() error {
	if c.Server.URL == "" && c.Server.Kubeconfig == "" {
		return fmt.Errorf("config: one of server.url or server.kubeconfig is required")
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("config: at least one resource is required")
	}
	for i, r := range c.Resources {
		if r.Version == "" {
			return fmt.Errorf("config: resources[%d]: version is required", i)
		}
		if r.Kind == "" {
			return fmt.Errorf("config: resources[%d]: kind is required", i)
		}
		if r.Resource == "" {
			return fmt.Errorf("config: resources[%d]: resource is required", i)
		}
	}
	return nil
}
