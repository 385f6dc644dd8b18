// Package config holds the YAML-driven configuration for coreroomd,
// split per-component the way the teacher splits clientapi/mediaapi
// config into their own files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"
)

// DataUnit is a size in bytes, read from YAML as a plain byte count;
// suffixed forms such as "10M" or "1G" are not parsed, since the media
// repository's richer parser is out of scope here.
type DataUnit int64

// Config is the root configuration object, composed of the global
// section plus one section per core subsystem.
type Config struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
}

// Global holds settings shared across every subsystem.
type Global struct {
	ServerName spec.ServerName `yaml:"server_name"`

	// AllowFederation is read from federation_enabled. No code consults
	// it: the outbound sender and the inbound federation routes behave
	// the same whatever its value.
	AllowFederation bool `yaml:"federation_enabled"`

	AllowRegistration     bool   `yaml:"allow_registration"`
	RegistrationToken     string `yaml:"registration_token"`
	RegistrationTokenFile string `yaml:"registration_token_file"`

	ForbiddenRemoteServerNames []spec.ServerName `yaml:"forbidden_remote_server_names"`

	AutoDeactivateBannedRoomAttempts bool `yaml:"auto_deactivate_banned_room_attempts"`
	BlockNonAdminInvites             bool `yaml:"block_non_admin_invites"`

	// Admins lists user IDs exempt from the ban-list pre-flight check
	// in join_room_by_id (spec.md §4.3 step 1).
	Admins []string `yaml:"admins"`
	// BannedRooms and BannedServers are the local ban list consulted by
	// the same pre-flight check; either a room id or any server named
	// in the room's candidate list may be banned.
	BannedRooms   []string          `yaml:"banned_rooms"`
	BannedServers []spec.ServerName `yaml:"banned_servers"`

	TrustedServers                      []spec.ServerName `yaml:"trusted_servers"`
	QueryTrustedKeyServersFirst          bool              `yaml:"query_trusted_key_servers_first"`
	QueryTrustedKeyServersFirstOnJoin    bool              `yaml:"query_trusted_key_servers_first_on_join"`

	DefaultRoomVersion        string `yaml:"default_room_version"`
	AllowUnstableRoomVersions bool   `yaml:"allow_unstable_room_versions"`

	KeyID         string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// Timeouts groups every HTTP deadline named in spec.md §6.
type Timeouts struct {
	FederationTimeout  time.Duration `yaml:"federation_timeout"`
	WellKnownTimeout   time.Duration `yaml:"well_known_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	SenderTimeout      time.Duration `yaml:"sender_timeout"`
}

// Database describes a postgres:// or file: DSN, mirroring the
// teacher's setup/config connection string conventions.
type Database struct {
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
}

// RoomServer configures the membership/join engine, state resolver,
// compressor, timeline, and migrations (§4.1-4.3, §4.6).
type RoomServer struct {
	Database Database `yaml:"database"`

	// StateResolutionConcurrency is parsed from YAML, but no code reads
	// it; the state resolver is not constructed from this config.
	StateResolutionConcurrency int `yaml:"state_resolution_concurrency"`

	// StateCompressionBranchingFactor bounds how many parent hops a
	// snapshot walk may traverse before the compressor forces a full
	// materialization instead of another delta (§9 design notes).
	StateCompressionBranchingFactor int `yaml:"state_compression_branching_factor"`
}

// FederationAPI configures the outbound sender and federation wire
// transport (§4.5, §6).
type FederationAPI struct {
	Database Database `yaml:"database"`

	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	StartupNetburst     bool  `yaml:"startup_netburst"`
	StartupNetburstKeep int64 `yaml:"startup_netburst_keep"`

	// RateLimiting bounds how often a single origin server may hit the
	// inbound federation routes (§6 external interfaces).
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

// RateLimitOverride narrows a RateLimiting default to one endpoint path.
type RateLimitOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

// RateLimiting configures the token-bucket limiter guarding inbound
// federation requests, keyed per origin server name.
type RateLimiting struct {
	Enabled              bool                         `yaml:"enabled"`
	Threshold            int64                        `yaml:"threshold"`
	CooloffMS            int64                        `yaml:"cooloff_ms"`
	PerEndpointOverrides map[string]RateLimitOverride `yaml:"per_endpoint_overrides"`
	ExemptServerNames    []spec.ServerName            `yaml:"exempt_server_names"`
}

func (d DataUnit) String() string {
	return fmt.Sprintf("%dB", int64(d))
}

// Load reads and parses a YAML config file from disk and applies
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Defaults fills in zero-valued fields with the teacher's documented
// defaults so a minimal YAML file (just server_name + database) is
// enough to boot.
func (c *Config) Defaults() {
	if c.Global.DefaultRoomVersion == "" {
		c.Global.DefaultRoomVersion = "10"
	}
	if c.Global.Timeouts.FederationTimeout == 0 {
		c.Global.Timeouts.FederationTimeout = 30 * time.Second
	}
	if c.Global.Timeouts.WellKnownTimeout == 0 {
		c.Global.Timeouts.WellKnownTimeout = 10 * time.Second
	}
	if c.Global.Timeouts.RequestTimeout == 0 {
		c.Global.Timeouts.RequestTimeout = 30 * time.Second
	}
	if c.Global.Timeouts.SenderTimeout == 0 {
		c.Global.Timeouts.SenderTimeout = 2 * time.Minute
	}
	if c.FederationAPI.MaxConcurrentRequests == 0 {
		c.FederationAPI.MaxConcurrentRequests = 6
	}
	if c.FederationAPI.StartupNetburstKeep == 0 {
		c.FederationAPI.StartupNetburstKeep = -1
	}
	if c.FederationAPI.RateLimiting.Threshold == 0 {
		c.FederationAPI.RateLimiting.Threshold = 20
	}
	if c.FederationAPI.RateLimiting.CooloffMS == 0 {
		c.FederationAPI.RateLimiting.CooloffMS = 500
	}
	if c.RoomServer.StateCompressionBranchingFactor == 0 {
		c.RoomServer.StateCompressionBranchingFactor = 64
	}
}

// ServerIsOurs reports whether the given server name is us.
func (c *Config) ServerIsOurs(name spec.ServerName) bool {
	return name == c.Global.ServerName
}

// IsAdmin reports whether userID is exempt from ban-list enforcement.
func (c *Config) IsAdmin(userID string) bool {
	for _, a := range c.Global.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

// RoomIsBanned reports whether roomID itself, or any of candidateServers,
// is on the local ban list (spec.md §4.3 step 1).
func (c *Config) RoomIsBanned(roomID string, candidateServers []spec.ServerName) bool {
	for _, r := range c.Global.BannedRooms {
		if r == roomID {
			return true
		}
	}
	for _, s := range candidateServers {
		for _, b := range c.Global.BannedServers {
			if s == b {
				return true
			}
		}
	}
	return false
}
