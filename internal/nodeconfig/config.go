// Package nodeconfig is gitd's on-disk YAML configuration, mirroring
// internal/config/config.go's nested-struct-with-yaml-tags style and
// loader.go's file-permission check and version guard.
package nodeconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/service"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/tracking"
)

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// Config is the unified on-disk configuration for a gitd node.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Tracking  TrackingConfig  `yaml:"tracking,omitempty"`
	Limits    LimitsConfig    `yaml:"limits,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`
}

// IdentityConfig names the on-disk ed25519 key file.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds listen and persistent-peer configuration.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	PersistentPeers []string `yaml:"persistent_peers,omitempty"` // "nodeid@addr" pairs
	Alias           string   `yaml:"alias,omitempty"`
}

// DiscoveryConfig holds bootstrap/rendezvous settings for initial peer
// discovery, mirroring the teacher's DiscoveryConfig naming.
type DiscoveryConfig struct {
	BootstrapPeers []string `yaml:"bootstrap_peers,omitempty"`
	Rendezvous     string   `yaml:"rendezvous,omitempty"`
}

// TrackingConfig configures which projects and remotes this node
// tracks, resolved into a tracking.Policy by Config.TrackingPolicy.
type TrackingConfig struct {
	// Mode is "all" (track every project) or "allowed" (only those
	// listed in Allowed).
	Mode    string   `yaml:"mode"`
	Allowed []string `yaml:"allowed,omitempty"`
	Blocked []string `yaml:"blocked,omitempty"`

	// RemoteMode is "delegates" or "all".
	RemoteMode string `yaml:"remote_mode"`

	EvictOnUntrack bool `yaml:"evict_on_untrack,omitempty"`
}

// LimitsConfig overrides the spec's §6 default constants.
type LimitsConfig struct {
	MaxTimeDelta           time.Duration `yaml:"max_time_delta,omitempty"`
	StaleConnectionTimeout time.Duration `yaml:"stale_connection_timeout,omitempty"`
	PingInterval           time.Duration `yaml:"ping_interval,omitempty"`
	MaxPongZeroes          uint16        `yaml:"max_pong_zeroes,omitempty"`
	PruneInterval          time.Duration `yaml:"prune_interval,omitempty"`
	MaxConnectionAttempts  int           `yaml:"max_connection_attempts,omitempty"`
	FetchDeadline          time.Duration `yaml:"fetch_deadline,omitempty"`
	MaxRoutingEntries      int           `yaml:"max_routing_entries,omitempty"`
	MaxFetchConcurrency    int64         `yaml:"max_fetch_concurrency,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"`
}

func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("nodeconfig: version %d is newer than supported version %d; upgrade gitd", cfg.Version, CurrentConfigVersion)
	}
	return &cfg, nil
}

// Default returns a Config with the spec's default limits and an
// empty network/tracking configuration, the starting point for
// `gitd init`.
func Default() Config {
	return Config{
		Version: CurrentConfigVersion,
		Tracking: TrackingConfig{
			Mode:       "all",
			RemoteMode: "delegates",
		},
		Limits: LimitsConfig{
			MaxTimeDelta:           time.Hour,
			StaleConnectionTimeout: 60 * time.Second,
			PingInterval:           30 * time.Second,
			MaxPongZeroes:          128,
			PruneInterval:          5 * time.Minute,
			MaxConnectionAttempts:  3,
			FetchDeadline:          60 * time.Second,
			MaxRoutingEntries:      10000,
			MaxFetchConcurrency:    4,
		},
	}
}

// ServiceConfig converts the limits section into a service.Config,
// filling in the alias and addresses fields from Network. Features is
// left at zero.
func (c *Config) ServiceConfig() service.Config {
	d := service.DefaultConfig()
	l := c.Limits
	cfg := service.Config{
		MaxTimeDelta:           orDefault(uint64(l.MaxTimeDelta.Seconds()), d.MaxTimeDelta),
		StaleConnectionTimeout: orDefault(uint64(l.StaleConnectionTimeout.Seconds()), d.StaleConnectionTimeout),
		PingInterval:           orDefault(uint64(l.PingInterval.Seconds()), d.PingInterval),
		MaxPongZeroes:          orDefaultU16(l.MaxPongZeroes, d.MaxPongZeroes),
		PruneInterval:          orDefault(uint64(l.PruneInterval.Seconds()), d.PruneInterval),
		MaxConnectionAttempts:  orDefaultInt(l.MaxConnectionAttempts, d.MaxConnectionAttempts),
		FetchDeadline:          orDefault(uint64(l.FetchDeadline.Seconds()), d.FetchDeadline),
		Alias:                  c.Network.Alias,
		Addresses:              c.Network.ListenAddresses,
	}
	return cfg
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultU16(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// TrackingPolicy resolves TrackingConfig into a tracking.Policy,
// parsing project ids with storage.ParseProjectID.
func (c *Config) TrackingPolicy() (tracking.Policy, error) {
	policy := tracking.NewDefaultPolicy()
	policy.EvictOnUntrack = c.Tracking.EvictOnUntrack

	switch c.Tracking.Mode {
	case "", "all":
		ids, err := parseProjectIDs(c.Tracking.Blocked)
		if err != nil {
			return tracking.Policy{}, err
		}
		policy.Project = tracking.NewTrackAllPolicy()
		for _, id := range ids {
			policy.Project.Blocked[id] = struct{}{}
		}
	case "allowed":
		ids, err := parseProjectIDs(c.Tracking.Allowed)
		if err != nil {
			return tracking.Policy{}, err
		}
		policy.Project = tracking.NewAllowedPolicy(ids...)
	default:
		return tracking.Policy{}, fmt.Errorf("nodeconfig: unknown tracking mode %q", c.Tracking.Mode)
	}

	switch c.Tracking.RemoteMode {
	case "", "delegates":
		policy.Remote = tracking.NewDelegatesOnlyPolicy()
	case "all":
		policy.Remote = tracking.RemotePolicy{Mode: tracking.RemoteAll, Blocked: map[identity.NodeID]struct{}{}}
	default:
		return tracking.Policy{}, fmt.Errorf("nodeconfig: unknown remote tracking mode %q", c.Tracking.RemoteMode)
	}

	return policy, nil
}

func parseProjectIDs(raw []string) ([]storage.ProjectID, error) {
	ids := make([]storage.ProjectID, 0, len(raw))
	for _, s := range raw {
		id, err := storage.ParseProjectID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
