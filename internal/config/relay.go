package config

import (
	"fmt"
	"os"
	"time"

	"github.com/deepsight/agency/internal/relay"
	"github.com/pelletier/go-toml"
)

// DefaultInbound is the inbound queue name used by endpoints that do not name
// one.
const DefaultInbound = "default"

// RelayEndpoint is a relay endpoint definition as written in the relay
// configuration file.
type RelayEndpoint struct {
	Name         string `toml:"name"`
	Role         string `toml:"role"`
	Address      string `toml:"address"`
	Inbound      string `toml:"inbound"`
	MaxConns     int    `toml:"max-conns"`
	MaxFrameSize int    `toml:"max-frame-size"`
	Reconnect    bool   `toml:"reconnect"`
	DialTimeout  string `toml:"dial-timeout"`
}

// RelayConfig is the content of the relay configuration file: a list of
// [[endpoint]] tables.
type RelayConfig struct {
	Endpoints []RelayEndpoint `toml:"endpoint"`
}

// LoadRelayConfig reads and parses the relay configuration file.
func LoadRelayConfig(file string) (*RelayConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}

	return ParseRelayConfig(data)
}

// ParseRelayConfig parses data as a relay configuration and validates every
// endpoint definition.
func ParseRelayConfig(data []byte) (*RelayConfig, error) {
	var config RelayConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("cannot load relay config: %w", err)
	}

	names := map[string]bool{}
	for i, e := range config.Endpoints {
		if e.Name == "" {
			return nil, fmt.Errorf("endpoint %v: missing name", i)
		}
		if names[e.Name] {
			return nil, fmt.Errorf("endpoint %v: duplicate name", e.Name)
		}
		names[e.Name] = true

		if e.Inbound == "" {
			config.Endpoints[i].Inbound = DefaultInbound
		}
		if _, err := e.RelayConfig(); err != nil {
			return nil, fmt.Errorf("endpoint %v: %w", e.Name, err)
		}
	}

	return &config, nil
}

// RelayConfig converts e into a relay.Config.
func (e RelayEndpoint) RelayConfig() (relay.Config, error) {
	config := relay.Config{
		Name:         e.Name,
		Role:         relay.Role(e.Role),
		Address:      e.Address,
		MaxConns:     e.MaxConns,
		MaxFrameSize: e.MaxFrameSize,
		Reconnect:    e.Reconnect,
	}

	switch config.Role {
	case relay.RoleServer, relay.RoleClient:
	default:
		return relay.Config{}, fmt.Errorf("invalid role '%v'", e.Role)
	}
	if e.Address == "" {
		return relay.Config{}, fmt.Errorf("missing address")
	}
	if e.MaxConns < 0 || e.MaxFrameSize < 0 {
		return relay.Config{}, fmt.Errorf("limits cannot be negative")
	}

	if e.DialTimeout != "" {
		d, err := time.ParseDuration(e.DialTimeout)
		if err != nil {
			return relay.Config{}, fmt.Errorf("cannot parse dial-timeout: %w", err)
		}
		config.DialTimeout = d
	}

	return config, nil
}
