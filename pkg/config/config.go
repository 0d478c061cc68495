// Package config defines the server configuration.  Values are loaded by the
// CLI from a config file, MCPGATE_ environment variables and flags, in that
// order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultProtocolVersion = "2025-06-18"
	DefaultServerName      = "mcpgate"
)

// Config is the complete server configuration.
type Config struct {
	Server    Server    `koanf:"server"`
	HTTP      HTTP      `koanf:"http"`
	WebSocket WebSocket `koanf:"websocket"`
	SSE       SSE       `koanf:"sse"`
	Stdio     Stdio     `koanf:"stdio"`
	Auth      Auth      `koanf:"auth"`
	Tenancy   Tenancy   `koanf:"tenancy"`
	Fanout    Fanout    `koanf:"fanout"`
	Log       Log       `koanf:"log"`
}

// Server describes the server to clients during initialize.
type Server struct {
	Name            string `koanf:"name"`
	Version         string `koanf:"version"`
	ProtocolVersion string `koanf:"protocol-version"`
}

// HTTP configures the JSON-RPC over HTTP listener.
type HTTP struct {
	Enabled        bool     `koanf:"enabled"`
	Addr           string   `koanf:"addr"`
	MaxBodyBytes   int64    `koanf:"max-body-bytes"`
	// AllowedOrigins applies to CORS on the HTTP API and to WebSocket
	// upgrades.
	AllowedOrigins []string `koanf:"allowed-origins"`
}

// WebSocket configures the WebSocket listener and session registry.
type WebSocket struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	// StatsInterval is how often system_stats frames are broadcast.
	StatsInterval time.Duration `koanf:"stats-interval"`
	// OutboundBuffer is the size of each session's outbound queue.
	OutboundBuffer int `koanf:"outbound-buffer"`
}

// SSE configures the server-sent events listener.
type SSE struct {
	Enabled    bool          `koanf:"enabled"`
	Addr       string        `koanf:"addr"`
	MaxPerUser int           `koanf:"max-per-user"`
	Keepalive  time.Duration `koanf:"keepalive"`
	MaxAge     time.Duration `koanf:"max-age"`
}

// Stdio configures the line-delimited stdio transport.
type Stdio struct {
	Enabled bool `koanf:"enabled"`
	// Topics are the notification topics bridged onto stdout.
	Topics []string `koanf:"topics"`
}

// Auth configures the default HS256 token authenticator.
type Auth struct {
	JWTSecret string `koanf:"jwt-secret"`
	Issuer    string `koanf:"issuer"`
	// Clients, when non-empty, restricts tokens to these client ids.
	Clients []string `koanf:"clients"`
}

// Tenancy configures tenant resolution.
type Tenancy struct {
	// Strict fails tool calls whose tenant cannot be resolved instead of
	// running them without tenant scope.
	Strict bool `koanf:"strict"`
	// Tenants maps user ids to tenant ids for the built-in directory.
	Tenants   map[string]string `koanf:"tenants"`
	CacheSize int64             `koanf:"cache-size"`
	CacheTTL  time.Duration     `koanf:"cache-ttl"`
}

// Fanout configures the notification broadcaster.
type Fanout struct {
	Buffer int `koanf:"buffer"`
	// RedisURI enables sharing notifications between replicas.
	RedisURI     string `koanf:"redis-uri"`
	RedisChannel string `koanf:"redis-channel"`
}

// Log configures logging.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: Server{
			Name:            DefaultServerName,
			Version:         "dev",
			ProtocolVersion: DefaultProtocolVersion,
		},
		HTTP: HTTP{
			Enabled:        true,
			Addr:           ":8081",
			MaxBodyBytes:   1 << 20,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: WebSocket{
			Enabled:        true,
			Addr:           ":8082",
			StatsInterval:  30 * time.Second,
			OutboundBuffer: 64,
		},
		SSE: SSE{
			Enabled:    true,
			Addr:       ":8083",
			MaxPerUser: 5,
			Keepalive:  15 * time.Second,
			MaxAge:     time.Hour,
		},
		Stdio: Stdio{
			Enabled: false,
			Topics:  []string{"oauth_completed"},
		},
		Auth: Auth{
			Issuer: "mcpgate",
		},
		Tenancy: Tenancy{
			CacheSize: 10_000,
			CacheTTL:  5 * time.Minute,
		},
		Fanout: Fanout{
			Buffer:       100,
			RedisChannel: "mcpgate:notifications",
		},
		Log: Log{
			Level:  "info",
			Format: "dev",
		},
	}
}

// Validate returns every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt-secret is required"))
	}
	if !c.HTTP.Enabled && !c.WebSocket.Enabled && !c.SSE.Enabled && !c.Stdio.Enabled {
		errs = append(errs, errors.New("at least one transport must be enabled"))
	}
	for name, l := range map[string]struct {
		enabled bool
		addr    string
	}{
		"http":      {c.HTTP.Enabled, c.HTTP.Addr},
		"websocket": {c.WebSocket.Enabled, c.WebSocket.Addr},
		"sse":       {c.SSE.Enabled, c.SSE.Addr},
	} {
		if l.enabled && l.addr == "" {
			errs = append(errs, fmt.Errorf("%s.addr is required when %s is enabled", name, name))
		}
	}
	if c.WebSocket.Enabled && c.WebSocket.StatsInterval <= 0 {
		errs = append(errs, errors.New("websocket.stats-interval must be positive"))
	}
	if c.WebSocket.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("websocket.outbound-buffer must be positive"))
	}
	if c.Fanout.Buffer <= 0 {
		errs = append(errs, errors.New("fanout.buffer must be positive"))
	}
	if c.SSE.Enabled && c.SSE.MaxPerUser <= 0 {
		errs = append(errs, errors.New("sse.max-per-user must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max-body-bytes must be positive"))
	}
	return errors.Join(errs...)
}
