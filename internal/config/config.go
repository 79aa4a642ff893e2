// Package config loads the tracker configuration file.
//
// The file uses the keys of the classic wt-tracker config.json. It is decoded
// as YAML, so both JSON and YAML files are accepted.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// DefaultPath is read when no config file is given. A missing default file
// is not an error.
const DefaultPath = "config.json"

// Config is the complete tracker configuration.
type Config struct {
	Servers          []ServerItem    `yaml:"servers"`
	Tracker          TrackerSettings `yaml:"tracker"`
	WebSocketsAccess AccessSettings  `yaml:"websocketsAccess"`
	Shards           int             `yaml:"shards"`
	StatsHistory     HistorySettings `yaml:"statsHistory"`
}

// ServerItem is one listener.
type ServerItem struct {
	Server     ServerSettings     `yaml:"server"`
	WebSockets WebSocketsSettings `yaml:"websockets"`
}

// ServerSettings is the listen address and optional TLS material.
type ServerSettings struct {
	Port         int    `yaml:"port"`
	Host         string `yaml:"host"`
	KeyFileName  string `yaml:"key_file_name"`
	CertFileName string `yaml:"cert_file_name"`
}

// WebSocketsSettings tune the WebSocket endpoint of a listener.
type WebSocketsSettings struct {
	Path             string `yaml:"path"`
	MaxPayloadLength int64  `yaml:"maxPayloadLength"`
	// IdleTimeout is in seconds.
	IdleTimeout int `yaml:"idleTimeout"`
	// Compression enables permessage-deflate when non-zero.
	Compression    int `yaml:"compression"`
	MaxConnections int `yaml:"maxConnections"`
}

// TrackerSettings tune the protocol engine.
type TrackerSettings struct {
	MaxOffers int `yaml:"maxOffers"`
	// AnnounceInterval is in seconds.
	AnnounceInterval int `yaml:"announceInterval"`
}

// AccessSettings restrict which origins may open a WebSocket. A nil list is
// unset; AllowOrigins and DenyOrigins are mutually exclusive.
type AccessSettings struct {
	AllowOrigins    []string `yaml:"allowOrigins"`
	DenyOrigins     []string `yaml:"denyOrigins"`
	DenyEmptyOrigin bool     `yaml:"denyEmptyOrigin"`
}

// HistorySettings configure the stats snapshot history. It is disabled when
// Path is empty.
type HistorySettings struct {
	Path string `yaml:"path"`
	// Interval and Retention are in seconds.
	Interval  int `yaml:"interval"`
	Retention int `yaml:"retention"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Servers:      []ServerItem{DefaultServerItem()},
		Tracker:      TrackerSettings{MaxOffers: 20, AnnounceInterval: 20},
		Shards:       1,
		StatsHistory: HistorySettings{Interval: 60, Retention: 24 * 60 * 60},
	}
}

// DefaultServerItem returns the settings of a listener with nothing set.
func DefaultServerItem() ServerItem {
	return ServerItem{
		Server: ServerSettings{Port: 8000, Host: "0.0.0.0"},
		WebSockets: WebSocketsSettings{
			Path:             "/",
			MaxPayloadLength: 64 * 1024,
			IdleTimeout:      240,
			Compression:      1,
		},
	}
}

// UnmarshalYAML fills unset listener fields with defaults.
func (s *ServerItem) UnmarshalYAML(value *yaml.Node) error {
	type plain ServerItem
	item := plain(DefaultServerItem())
	if err := value.Decode(&item); err != nil {
		return err
	}
	*s = ServerItem(item)
	return nil
}

// Load reads and validates the file at path. An empty path reads DefaultPath
// if it exists and falls back to defaults otherwise.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, xerrors.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, xerrors.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Servers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Errorf("parse: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = []ServerItem{DefaultServerItem()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var err error
	if len(c.Servers) == 0 {
		err = multierr.Append(err, xerrors.New("servers: at least one server is required"))
	}
	for i, s := range c.Servers {
		if s.Server.Port < 0 || s.Server.Port > 65535 {
			err = multierr.Append(err, xerrors.Errorf("servers[%d]: port %d out of range", i, s.Server.Port))
		}
		if (s.Server.KeyFileName == "") != (s.Server.CertFileName == "") {
			err = multierr.Append(err, xerrors.Errorf("servers[%d]: key_file_name and cert_file_name must be set together", i))
		}
		if s.WebSockets.MaxPayloadLength <= 0 {
			err = multierr.Append(err, xerrors.Errorf("servers[%d]: maxPayloadLength must be positive", i))
		}
		if s.WebSockets.IdleTimeout < 0 {
			err = multierr.Append(err, xerrors.Errorf("servers[%d]: idleTimeout must not be negative", i))
		}
		if s.WebSockets.MaxConnections < 0 {
			err = multierr.Append(err, xerrors.Errorf("servers[%d]: maxConnections must not be negative", i))
		}
	}
	if c.WebSocketsAccess.AllowOrigins != nil && c.WebSocketsAccess.DenyOrigins != nil {
		err = multierr.Append(err, xerrors.New("websocketsAccess: allowOrigins and denyOrigins can't be set simultaneously"))
	}
	if c.Tracker.MaxOffers <= 0 {
		err = multierr.Append(err, xerrors.New("tracker: maxOffers must be positive"))
	}
	if c.Tracker.AnnounceInterval <= 0 {
		err = multierr.Append(err, xerrors.New("tracker: announceInterval must be positive"))
	}
	if c.Shards < 1 {
		err = multierr.Append(err, xerrors.New("shards: must be at least 1"))
	}
	if c.StatsHistory.Path != "" && (c.StatsHistory.Interval <= 0 || c.StatsHistory.Retention <= 0) {
		err = multierr.Append(err, xerrors.New("statsHistory: interval and retention must be positive"))
	}
	return err
}

// EngineSettings converts the tracker section for the protocol engine.
func (t TrackerSettings) EngineSettings() tracker.Settings {
	return tracker.Settings{
		MaxOffers:        t.MaxOffers,
		AnnounceInterval: time.Duration(t.AnnounceInterval) * time.Second,
	}
}

// Addr returns the host:port listen address.
func (s ServerSettings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TLS reports whether the listener serves TLS.
func (s ServerSettings) TLS() bool {
	return s.KeyFileName != ""
}

// IdleTimeoutDuration returns IdleTimeout as a duration. Zero disables it.
func (w WebSocketsSettings) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeout) * time.Second
}

// ValidateOrigin reports whether upgrades need an origin check.
func (a AccessSettings) ValidateOrigin() bool {
	return a.DenyEmptyOrigin || a.AllowOrigins != nil || a.DenyOrigins != nil
}

// OriginAllowed applies the access rules to an Origin header value.
func (a AccessSettings) OriginAllowed(origin string) bool {
	if a.DenyEmptyOrigin && origin == "" {
		return false
	}
	if a.DenyOrigins != nil && contains(a.DenyOrigins, origin) {
		return false
	}
	if a.AllowOrigins != nil && !contains(a.AllowOrigins, origin) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
