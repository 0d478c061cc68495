// Package transport serves the router over stdio, HTTP, Server-Sent Events and
// WebSocket, and coordinates the lifecycle of every transport.
package transport

import (
	"errors"
	"fmt"

	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/inngest/mcpgate/pkg/config"
	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/gateway"
	"github.com/inngest/mcpgate/pkg/metrics"
	"github.com/inngest/mcpgate/pkg/realtime"
	"github.com/inngest/mcpgate/pkg/router"
	"github.com/inngest/mcpgate/pkg/sse"
	"github.com/inngest/mcpgate/pkg/tenant"
	"github.com/inngest/mcpgate/pkg/tools"
	"github.com/inngest/mcpgate/pkg/usage"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
)

// Resources are the services shared by every transport.  They are built once
// and never reassigned, so transports may read them concurrently; state only
// changes through the services' own methods.
type Resources struct {
	Config *config.Config
	Clock  clockwork.Clock

	Router      *router.Router
	Gateway     *gateway.Gateway
	Tools       *tools.Registry
	Usage       *usage.Tracker
	Metrics     *metrics.MetricsAPI
	Broadcaster *fanout.Broadcaster
	// Publisher publishes to the local broadcaster, and to other replicas
	// when Redis is configured.
	Publisher fanout.Publisher
	// Redis is nil unless fanout.redis-uri is set.
	Redis *fanout.RedisBridge

	Sessions *realtime.Registry
	Streams  *sse.Registry

	tenants     *tenant.CachedResolver
	redisClient rueidis.Client
}

// ResourcesOpts overrides collaborators which are otherwise built from the
// config.
type ResourcesOpts struct {
	Clock         clockwork.Clock
	Authenticator auth.Authenticator
	// Tools replaces the built-in tool registry.
	Tools *tools.Registry
	// Tenants replaces the config-backed tenant directory.
	Tenants tenant.Resolver
}

// NewResources builds the shared services from cfg.
func NewResources(cfg *config.Config, opts ResourcesOpts) (*Resources, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	r := &Resources{
		Config:  cfg,
		Clock:   opts.Clock,
		Usage:   usage.NewTracker(opts.Clock),
		Metrics: metrics.NewMetricsAPI(metrics.Opts{}),
		Tools:   opts.Tools,
	}

	authn := opts.Authenticator
	if authn == nil {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTOpts{
			Secret:  []byte(cfg.Auth.JWTSecret),
			Issuer:  cfg.Auth.Issuer,
			Clients: cfg.Auth.Clients,
			Clock:   opts.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating authenticator: %w", err)
		}
		authn = jwtAuth
	}

	if r.Tools == nil {
		r.Tools = tools.NewRegistry()
		tools.RegisterBuiltins(r.Tools, cfg.Server.Name, cfg.Server.Version)
	}

	tenants := opts.Tenants
	if tenants == nil && len(cfg.Tenancy.Tenants) > 0 {
		r.tenants = tenant.NewCachedResolver(
			tenant.NewDirectory(cfg.Tenancy.Tenants),
			cfg.Tenancy.CacheSize,
			cfg.Tenancy.CacheTTL,
		)
		tenants = r.tenants
	}

	r.Broadcaster = fanout.New(
		fanout.WithBuffer(cfg.Fanout.Buffer),
		fanout.WithDropHook(r.Metrics.IncDropped),
	)
	r.Publisher = r.Broadcaster
	if cfg.Fanout.RedisURI != "" {
		copts, err := rueidis.ParseURL(cfg.Fanout.RedisURI)
		if err != nil {
			return nil, fmt.Errorf("invalid fanout.redis-uri: %w", err)
		}
		r.redisClient, err = rueidis.NewClient(copts)
		if err != nil {
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		r.Redis = fanout.NewRedisBridge(r.Broadcaster, r.redisClient, cfg.Fanout.RedisChannel)
		r.Publisher = r.Redis
	}

	r.Gateway = gateway.New(gateway.Opts{
		Authenticator: authn,
		Executor:      r.Tools,
		Tenants:       tenants,
		StrictTenancy: cfg.Tenancy.Strict,
		Usage:         r.Usage,
		Publisher:     r.Publisher,
	})
	r.Router = router.New(router.Opts{
		ServerName:      cfg.Server.Name,
		ServerVersion:   cfg.Server.Version,
		ProtocolVersion: cfg.Server.ProtocolVersion,
		Gateway:         r.Gateway,
		Catalog:         r.Tools,
		Authenticator:   authn,
		Resources:       r.Tools,
		Prompts:         r.Tools,
		Recorder:        r.Metrics,
	})

	r.Sessions = realtime.NewRegistry(realtime.RegistryOpts{
		Buffer:   cfg.WebSocket.OutboundBuffer,
		Recorder: r.Metrics,
	})
	r.Streams = sse.NewRegistry(cfg.SSE.MaxPerUser, 0)
	return r, nil
}

// Close releases background workers and connections.
func (r *Resources) Close() {
	r.Sessions.CloseAll()
	r.Streams.CloseAll()
	r.Broadcaster.Close()
	if r.tenants != nil {
		r.tenants.Stop()
	}
	if r.redisClient != nil {
		r.redisClient.Close()
	}
}
