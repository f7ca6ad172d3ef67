// Package client is the SDK for applications: it pulls configuration
// from the cluster with long-poll change watching, and registers the
// application as a service instance with periodic heartbeats.
//
// Everything is driven by a bootstrap.yaml next to the binary:
//
//	conreg:
//	  service-id: my-app
//	  client:
//	    address: 10.0.0.5
//	    port: 8080
//	  config:
//	    server-addr: 127.0.0.1:8000
//	    namespace: public
//	    config-ids: [application.yaml]
//	  discovery:
//	    server-addr: [127.0.0.1:8000, 127.0.0.1:8001]
//	    namespace: public
package client

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultBootstrapFile is looked up in the working directory.
const DefaultBootstrapFile = "bootstrap.yaml"

// bootstrapWrapper mirrors the top-level conreg key.
type bootstrapWrapper struct {
	Conreg Config `yaml:"conreg"`
}

// Config is the full SDK configuration.
type Config struct {
	// ServiceID identifies this application, defaulting to the process
	// name.
	ServiceID string `yaml:"service-id"`
	// Client describes this application's own endpoint.
	Client ClientConfig `yaml:"client"`
	// Config enables the configuration client when present.
	Config *ConfigConfig `yaml:"config"`
	// Discovery enables the registry client when present.
	Discovery *DiscoveryConfig `yaml:"discovery"`
}

// ClientConfig is the application's own address, registered as its
// instance endpoint.
type ClientConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ConfigConfig configures the configuration client.
type ConfigConfig struct {
	ServerAddr ServerAddr `yaml:"server-addr"`
	Namespace  string     `yaml:"namespace"`
	ConfigIDs  []string   `yaml:"config-ids"`
	AuthToken  string     `yaml:"auth-token"`
}

// DiscoveryConfig configures the registry client.
type DiscoveryConfig struct {
	ServerAddr ServerAddr        `yaml:"server-addr"`
	Namespace  string            `yaml:"namespace"`
	Meta       map[string]string `yaml:"meta"`
	AuthToken  string            `yaml:"auth-token"`
}

// ServerAddr is either a single address or a cluster of addresses. A
// request picks one at random.
type ServerAddr struct {
	addrs []string
}

// NewServerAddr builds an address set programmatically.
func NewServerAddr(addrs ...string) ServerAddr {
	return ServerAddr{addrs: addrs}
}

// UnmarshalYAML accepts either a scalar address or a sequence.
func (s *ServerAddr) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		s.addrs = []string{single}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&s.addrs)
	default:
		return fmt.Errorf("server-addr must be a string or a list")
	}
}

// Pick returns one server address.
func (s *ServerAddr) Pick() (string, error) {
	switch len(s.addrs) {
	case 0:
		return "", fmt.Errorf("server-addr is not set")
	case 1:
		return s.addrs[0], nil
	default:
		return s.addrs[rand.Intn(len(s.addrs))], nil
	}
}

// URL builds a full URL for path against one of the servers.
func (s *ServerAddr) URL(path string) (string, error) {
	addr, err := s.Pick()
	if err != nil {
		return "", err
	}
	return "http://" + addr + path, nil
}

// LoadConfig reads and normalizes a bootstrap file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	var wrapper bootstrapWrapper
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid bootstrap file: %w", err)
	}
	cfg := wrapper.Conreg
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServiceID == "" {
		c.ServiceID = processName()
	}
	if c.Client.Address == "" {
		c.Client.Address = "127.0.0.1"
	}
	if c.Client.Port == 0 {
		c.Client.Port = 8080
	}
	if c.Config != nil && c.Config.Namespace == "" {
		c.Config.Namespace = "public"
	}
	if c.Discovery != nil && c.Discovery.Namespace == "" {
		c.Discovery.Namespace = "public"
	}
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	return filepath.Base(exe)
}
