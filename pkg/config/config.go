// Package config loads the didcat configuration file: the catalog
// database path and the storage-endpoint topology used to build access
// URLs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/didcat/didcat/pkg/rse"
)

// Config is the top-level configuration.
type Config struct {
	// Database is the SQLite database path.
	Database string `yaml:"database"`

	// Endpoints is the storage-endpoint (RSE) topology.
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Endpoint describes one storage endpoint and its access protocols.
type Endpoint struct {
	Name      string     `yaml:"name"`
	Protocols []Protocol `yaml:"protocols"`
}

// Protocol describes one access protocol of an endpoint.
type Protocol struct {
	Scheme             string            `yaml:"scheme"`
	Hostname           string            `yaml:"hostname"`
	Port               int               `yaml:"port"`
	Prefix             string            `yaml:"prefix"`
	ExtendedAttributes map[string]string `yaml:"extended_attributes,omitempty"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Database == "" {
		cfg.Database = "didcat.db"
	}
	for _, ep := range cfg.Endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("config %s: endpoint without a name", path)
		}
	}
	return &cfg, nil
}

// EndpointManager builds the static endpoint-protocol manager from the
// configured topology.
func (c *Config) EndpointManager() *rse.StaticManager {
	endpoints := make(map[string][]rse.Protocol, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		protos := make([]rse.Protocol, 0, len(ep.Protocols))
		for _, p := range ep.Protocols {
			protos = append(protos, rse.Protocol{
				Scheme:             p.Scheme,
				Hostname:           p.Hostname,
				Port:               p.Port,
				Prefix:             p.Prefix,
				ExtendedAttributes: p.ExtendedAttributes,
			})
		}
		endpoints[ep.Name] = protos
	}
	return rse.NewStaticManager(endpoints)
}
