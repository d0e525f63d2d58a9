// Package config loads the mesh's static configuration: service
// descriptors, routing rules, and execution settings. Generalized from the
// teacher's flag.* + Config struct in node-agent/main.go — a single node's
// worth of flags doesn't scale to a cluster of heterogeneous backends, so
// this is a loaded YAML file instead, the way the original config/loader.py
// loads a YAML document into typed sections.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yayoboy/oxide-mesh/internal/shared"
)

// ExecutionSettings is the singleton row of global execution defaults.
type ExecutionSettings struct {
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
	MaxRetries       int  `yaml:"max_retries"`
	RetryEnabled     bool `yaml:"retry_enabled"`
	MaxParallelWorkers int `yaml:"max_parallel_workers"`
}

// Config is the fully loaded, in-memory configuration. A request captures
// a snapshot of Services at request start per the data-model invariant —
// callers should clone the map they read, which Snapshot does.
type Config struct {
	NodeID            string                            `yaml:"node_id"`
	AgentHost         string                            `yaml:"agent_host"`
	AgentPort         int                                `yaml:"agent_port"`
	ClusterPort       int                                `yaml:"cluster_port"`
	DiscoveryInterval int                                `yaml:"discovery_interval_seconds"`
	Services          map[string]*shared.ServiceDescriptor `yaml:"services"`
	RoutingRules      map[shared.Category]*shared.RoutingRule `yaml:"routing_rules"`
	Execution         ExecutionSettings                 `yaml:"execution"`
	AllowedDirs       []string                           `yaml:"allowed_dirs"`
}

// Default returns a minimal but internally consistent configuration,
// matching the teacher's flag defaults (agent port 9001, ollama-backed
// default service) generalized to the cluster shape.
func Default() *Config {
	return &Config{
		AgentPort:         9001,
		ClusterPort:       8888,
		DiscoveryInterval: 30,
		Services: map[string]*shared.ServiceDescriptor{
			"ollama_local": {
				ID:           "ollama_local",
				Kind:         shared.ServiceKindOllama,
				Enabled:      true,
				BaseURL:      "http://localhost:11434",
				DefaultModel: "mistral",
			},
		},
		RoutingRules: map[shared.Category]*shared.RoutingRule{
			shared.CategoryGeneral: {
				Category:              shared.CategoryGeneral,
				Primary:               "ollama_local",
				Fallbacks:             nil,
				ParallelThresholdFile: 4,
				TimeoutSeconds:        180,
			},
		},
		Execution: ExecutionSettings{
			TimeoutSeconds:     180,
			MaxRetries:         2,
			RetryEnabled:       true,
			MaxParallelWorkers: 4,
		},
	}
}

// Load reads a YAML config file from path, falling back to Default() for
// any zero-valued sections so a partial file is still usable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Services == nil {
		cfg.Services = Default().Services
	}
	if cfg.RoutingRules == nil {
		cfg.RoutingRules = Default().RoutingRules
	}
	return cfg, nil
}

// Snapshot returns a defensive copy of the service descriptors map, so a
// request can't observe a hot-reload mutation mid-flight (§9 design notes:
// "service descriptors map is effectively immutable at runtime for a given
// request").
func (c *Config) Snapshot() map[string]*shared.ServiceDescriptor {
	out := make(map[string]*shared.ServiceDescriptor, len(c.Services))
	for k, v := range c.Services {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ValidateRoutingRules returns an error naming the first rule whose
// primary or fallback id refers to a non-existent service — the spec's
// Config-kind invariant that "every id referenced exists in the service
// descriptors set".
func (c *Config) ValidateRoutingRules() error {
	for cat, rule := range c.RoutingRules {
		if _, ok := c.Services[rule.Primary]; !ok {
			return unknownServiceErr(cat, rule.Primary)
		}
		for _, fb := range rule.Fallbacks {
			if _, ok := c.Services[fb]; !ok {
				return unknownServiceErr(cat, fb)
			}
		}
	}
	return nil
}

type unknownServiceError struct {
	category shared.Category
	service  string
}

func (e *unknownServiceError) Error() string {
	return "routing rule for " + string(e.category) + " references unknown service " + e.service
}

func unknownServiceErr(cat shared.Category, service string) error {
	return &unknownServiceError{category: cat, service: service}
}
