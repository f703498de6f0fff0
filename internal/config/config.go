// Package config loads the layerbridged configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marko911/layerbridge/internal/adapter/channelnet"
	"github.com/marko911/layerbridge/internal/adapter/evm"
	"github.com/marko911/layerbridge/internal/adapter/oracle"
	"github.com/marko911/layerbridge/internal/adapter/overlay"
	"github.com/marko911/layerbridge/internal/adapter/statechannel"
	"github.com/marko911/layerbridge/internal/manager"
	"github.com/marko911/layerbridge/internal/platform/archive"
	"github.com/marko911/layerbridge/internal/platform/kafka"
	"github.com/marko911/layerbridge/internal/platform/nats"
	"github.com/marko911/layerbridge/internal/platform/redis"
	"github.com/marko911/layerbridge/internal/platform/storage"
	"github.com/marko911/layerbridge/internal/policy"
	"github.com/marko911/layerbridge/internal/relay"
)

// Backend selects where a piece of state lives.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Section wraps a component config with an on/off switch. The wrapped fields
// sit at the same level as enabled in the file.
type Section[T any] struct {
	Enabled bool `yaml:"enabled"`
	Config  T    `yaml:",inline"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Manager  manager.Config `yaml:"manager"`
	Policy   policy.Config  `yaml:"policy"`
	Adapters Adapters       `yaml:"adapters"`

	// Transfers selects the transfer store: memory or postgres.
	Transfers Backend `yaml:"transfers"`
	// Dedup selects the consumed-proof store and execution token: memory or
	// redis.
	Dedup Backend `yaml:"dedup"`

	Postgres storage.Config `yaml:"postgres"`
	Redis    redis.Config   `yaml:"redis"`
	Relay    relay.Config   `yaml:"relay"`

	Kafka   Section[kafka.Config]   `yaml:"kafka"`
	NATS    NATSConfig              `yaml:"nats"`
	Archive Section[archive.Config] `yaml:"archive"`
}

type ServerConfig struct {
	// Listen is the HTTP address serving /healthz, /status and /ws/events.
	Listen string `yaml:"listen"`
}

type NATSConfig struct {
	Enabled bool              `yaml:"enabled"`
	Client  nats.Config       `yaml:",inline"`
	Stream  nats.StreamConfig `yaml:"stream"`
}

// Adapters holds one section per backend kind. Disabled backends are not
// registered.
type Adapters struct {
	ChannelNet     Section[channelnet.Config]   `yaml:"channel_net"`
	SideChain      Section[evm.Config]          `yaml:"sidechain"`
	AssetOverlay   Section[overlay.Config]      `yaml:"asset_overlay"`
	OracleContract Section[oracle.Config]       `yaml:"oracle_contract"`
	StateChannel   Section[statechannel.Config] `yaml:"state_channel"`
}

func Default() *Config {
	return &Config{
		Server:    ServerConfig{Listen: ":8080"},
		Manager:   manager.DefaultConfig(),
		Transfers: BackendMemory,
		Dedup:     BackendMemory,
		Postgres:  storage.DefaultConfig(),
		Redis:     redis.DefaultConfig(),
		Relay:     relay.DefaultConfig(),
		Kafka:     Section[kafka.Config]{Config: kafka.DefaultConfig()},
		NATS: NATSConfig{
			Client: nats.DefaultConfig(),
			Stream: nats.DefaultStreamConfig(),
		},
		Adapters: Adapters{
			ChannelNet:     Section[channelnet.Config]{Config: channelnet.DefaultConfig()},
			SideChain:      Section[evm.Config]{Config: evm.DefaultConfig()},
			AssetOverlay:   Section[overlay.Config]{Config: overlay.DefaultConfig()},
			OracleContract: Section[oracle.Config]{Config: oracle.DefaultConfig()},
			StateChannel:   Section[statechannel.Config]{Config: statechannel.DefaultConfig()},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that span components. Adapter sections are
// validated by their adapters during initialization so one bad backend does
// not keep the rest from starting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transfers {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("transfers: unknown backend %q", c.Transfers))
	}
	switch c.Dedup {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("dedup: unknown backend %q", c.Dedup))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Config.BrokerList()) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.NATS.Enabled && c.NATS.Client.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Archive.Enabled && (c.Archive.Config.Endpoint == "" || c.Archive.Config.Bucket == "") {
		errs = append(errs, errors.New("archive.endpoint and archive.bucket are required when archive is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnabledAdapters counts the switched-on backend sections.
func (a Adapters) EnabledAdapters() int {
	n := 0
	for _, on := range []bool{
		a.ChannelNet.Enabled,
		a.SideChain.Enabled,
		a.AssetOverlay.Enabled,
		a.OracleContract.Enabled,
		a.StateChannel.Enabled,
	} {
		if on {
			n++
		}
	}
	return n
}
