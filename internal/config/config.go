package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"truman/internal/peer"
)

// Config is the node configuration file (YAML). Fields missing from the file
// keep their Default values.
type Config struct {
	Home          string          `yaml:"home"`
	ListenAddr    string          `yaml:"listen_addr" validate:"required"`
	AdvertiseAddr string          `yaml:"advertise_addr"`
	Whitelist     []string        `yaml:"whitelist"`
	InitialWolves []string        `yaml:"initial_wolves"`
	Bootstrap     []BootstrapPeer `yaml:"bootstrap" validate:"dive"`
	Gossip        GossipConfig    `yaml:"gossip"`
	Transport     TransportConfig `yaml:"transport"`
	Events        EventsConfig    `yaml:"events"`
	Log           LogConfig       `yaml:"log"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Discovery     DiscoveryConfig `yaml:"discovery"`
}

type BootstrapPeer struct {
	ID   string `yaml:"id" validate:"required"`
	Addr string `yaml:"addr" validate:"required"`
}

type GossipConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval" validate:"gt=0"`
	Fanout           int           `yaml:"fanout" validate:"gte=0"`
	Hops             int           `yaml:"hops" validate:"gte=1,lte=16"`
	SeenTTL          time.Duration `yaml:"seen_ttl" validate:"gt=0"`
	SeenCap          int           `yaml:"seen_cap" validate:"gt=0"`
	ProbeInterval    time.Duration `yaml:"probe_interval" validate:"gt=0"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	ProbeFailures    int           `yaml:"probe_failures" validate:"gte=1"`
	PruneGrace       time.Duration `yaml:"prune_grace" validate:"gte=0"`
	PexInterval      time.Duration `yaml:"pex_interval" validate:"gt=0"`
	DialMaxAttempts  int           `yaml:"dial_max_attempts" validate:"gte=1"`
	BackoffBase      time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax       time.Duration `yaml:"backoff_max" validate:"gt=0"`
	MaxDialsPerTick  int           `yaml:"max_dials_per_tick" validate:"gte=1"`
	MaxInflightSends int           `yaml:"max_inflight_sends" validate:"gte=1"`
	InboundRate      float64       `yaml:"inbound_rate" validate:"gte=0"`
	InboundBurst     int           `yaml:"inbound_burst" validate:"gte=0"`
}

type TransportConfig struct {
	DialTimeout     time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	SendTimeout     time.Duration `yaml:"send_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	MaxConnsPerIP   int           `yaml:"max_conns_per_ip" validate:"gte=0"`
	MaxStreamsPerIP int           `yaml:"max_streams_per_ip" validate:"gte=0"`
}

type EventsConfig struct {
	// QueueCap bounds buffered events; 0 means unbounded.
	QueueCap int `yaml:"queue_cap" validate:"gte=0"`
}

type LogConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=console json"`
	ErrorFile string `yaml:"error_file"`
}

// MetricsConfig controls the debug HTTP listener serving /metrics and,
// when Pprof is set, /debug/pprof. Non-loopback addresses need AllowPublic.
type MetricsConfig struct {
	Addr        string `yaml:"addr"`
	Pprof       bool   `yaml:"pprof"`
	AllowPublic bool   `yaml:"allow_public"`
}

type DiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int64         `yaml:"lease_ttl" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`

	// MDNS advertises this node on the local link and browses for others.
	MDNS         bool          `yaml:"mdns"`
	MDNSService  string        `yaml:"mdns_service"`
	MDNSInterval time.Duration `yaml:"mdns_interval" validate:"gte=0"`
}

func Default() Config {
	return Config{
		ListenAddr: "0.0.0.0:0",
		Gossip: GossipConfig{
			TickInterval:     time.Second,
			Fanout:           3,
			Hops:             8,
			SeenTTL:          2 * time.Minute,
			SeenCap:          2048,
			ProbeInterval:    10 * time.Second,
			ProbeTimeout:     5 * time.Second,
			ProbeFailures:    3,
			PruneGrace:       time.Minute,
			PexInterval:      30 * time.Second,
			DialMaxAttempts:  5,
			BackoffBase:      500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
			MaxDialsPerTick:  8,
			MaxInflightSends: 256,
			InboundRate:      100,
			InboundBurst:     200,
		},
		Transport: TransportConfig{
			DialTimeout:     8 * time.Second,
			SendTimeout:     5 * time.Second,
			IdleTimeout:     30 * time.Second,
			MaxConnsPerIP:   16,
			MaxStreamsPerIP: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Discovery: DiscoveryConfig{
			Prefix:       "/truman/peers",
			LeaseTTL:     15,
			DialTimeout:  5 * time.Second,
			MDNSService:  "_truman._udp",
			MDNSInterval: 10 * time.Second,
		},
	}
}

// Load reads path over Default and validates the result. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
			return fmt.Errorf("advertise_addr: %w", err)
		}
	}
	if _, err := c.WhitelistIDs(); err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	if _, err := peer.ParseWhitelist(c.InitialWolves); err != nil {
		return fmt.Errorf("initial_wolves: %w", err)
	}
	for _, b := range c.Bootstrap {
		if _, err := peer.Decode(b.ID); err != nil {
			return fmt.Errorf("bootstrap %s: %w", b.Addr, err)
		}
	}
	if c.Gossip.BackoffMax < c.Gossip.BackoffBase {
		return errors.New("gossip.backoff_max must not be below gossip.backoff_base")
	}
	if c.Gossip.ProbeTimeout > c.Gossip.ProbeInterval {
		return errors.New("gossip.probe_timeout must not exceed gossip.probe_interval")
	}
	return nil
}

func (c *Config) WhitelistIDs() ([]peer.ID, error) {
	return peer.ParseWhitelist(c.Whitelist)
}

func (c *Config) WolfIDs() []peer.ID {
	ids, _ := peer.ParseWhitelist(c.InitialWolves)
	return ids
}
