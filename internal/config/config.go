// Package config loads the YAML configuration of a relay
// node.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/gossip"
	"github.com/i5heu/ouroboros-relay/pkg/handles"
	"github.com/i5heu/ouroboros-relay/pkg/logging"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/relay"
)

const (
	DefaultListenAddr      = ":4242"
	DefaultDataPath        = "./data"
	DefaultRequestTimeout  = 15 * time.Second
	DefaultJanitorInterval = 10 * time.Minute
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DataPath   string `yaml:"dataPath"`
	InMemory   bool   `yaml:"inMemory"`
	// NodeID names this node towards its peers. A random
	// id is generated when it is empty.
	NodeID string           `yaml:"nodeId"`
	Peers  []model.PeerNode `yaml:"peers"`

	SyncInterval time.Duration `yaml:"syncInterval"`
	SyncPageSize int           `yaml:"syncPageSize"`
	SyncTimeout  time.Duration `yaml:"syncTimeout"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`

	RequestTimeout time.Duration `yaml:"requestTimeout"`
	ClockSkew      time.Duration `yaml:"clockSkew"`
	ChallengeTTL   time.Duration `yaml:"challengeTTL"`

	ReservationTTL time.Duration `yaml:"reservationTTL"`
	MinBreadcrumbs int64         `yaml:"minBreadcrumbs"`
	MinTrustScore  int           `yaml:"minTrustScore"`

	AckRetention    time.Duration `yaml:"ackRetention"`
	JanitorInterval time.Duration `yaml:"janitorInterval"`

	LogLevel  string `yaml:"logLevel"`
	LogSource bool   `yaml:"logSource"`
}

// Default returns a configuration with every default
// applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path, applies defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DataPath == "" && !c.InMemory {
		c.DataPath = DefaultDataPath
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = gossip.DefaultInterval
	}
	if c.SyncPageSize == 0 {
		c.SyncPageSize = gossip.DefaultPageSize
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = gossip.DefaultTimeout
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = max(gossip.DefaultMaxBackoff, c.SyncInterval)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = auth.DefaultClockSkew
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = auth.DefaultChallengeTTL
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = handles.DefaultReservationTTL
	}
	if c.MinBreadcrumbs == 0 {
		c.MinBreadcrumbs = handles.DefaultMinBreadcrumbs
	}
	if c.MinTrustScore == 0 {
		c.MinTrustScore = handles.DefaultMinTrustScore
	}
	if c.AckRetention == 0 {
		c.AckRetention = relay.DefaultAckRetention
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"syncInterval", c.SyncInterval},
		{"syncTimeout", c.SyncTimeout},
		{"maxBackoff", c.MaxBackoff},
		{"requestTimeout", c.RequestTimeout},
		{"clockSkew", c.ClockSkew},
		{"challengeTTL", c.ChallengeTTL},
		{"reservationTTL", c.ReservationTTL},
		{"ackRetention", c.AckRetention},
		{"janitorInterval", c.JanitorInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.d))
		}
	}

	if c.SyncPageSize < 0 || c.SyncPageSize > gossip.MaxPageSize {
		errs = append(errs, fmt.Errorf("syncPageSize must be within 1..%d, got %d", gossip.MaxPageSize, c.SyncPageSize))
	}
	if c.MinBreadcrumbs < 0 {
		errs = append(errs, errors.New("minBreadcrumbs must not be negative"))
	}
	if c.MinTrustScore < 0 {
		errs = append(errs, errors.New("minTrustScore must not be negative"))
	}
	if !c.InMemory && c.DataPath == "" {
		errs = append(errs, errors.New("dataPath is required unless inMemory is set"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.NodeID == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: nodeId is required", i))
		} else if seen[p.NodeID] {
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate nodeId %q", i, p.NodeID))
		} else if p.NodeID == c.NodeID {
			errs = append(errs, fmt.Errorf("peers[%d]: nodeId %q is this node", i, p.NodeID))
		}
		seen[p.NodeID] = true

		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: baseUrl %q is not an http(s) URL", i, p.BaseURL))
		}
	}

	return errors.Join(errs...)
}
