package serve

import (
	"context"
	"fmt"
	"os"

	"github.com/inngest/mcpgate/cmd/internal/envflags"
	"github.com/inngest/mcpgate/cmd/internal/localconfig"
	"github.com/inngest/mcpgate/pkg/config"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/transport"
	"github.com/inngest/mcpgate/pkg/version"
	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Run the MCP server on every enabled transport.",
		UsageText:   "mcpgate serve [options]",
		Description: "Example: mcpgate serve --stdio --jwt-secret s3cret",
		Action:      action,

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to an mcpgate configuration file",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "Address for JSON-RPC over HTTP. An empty value disables the transport",
			},
			&cli.StringFlag{
				Name:  "ws-addr",
				Usage: "Address for the WebSocket notification stream. An empty value disables the transport",
			},
			&cli.StringFlag{
				Name:  "sse-addr",
				Usage: "Address for the server-sent events stream. An empty value disables the transport",
			},
			&cli.BoolFlag{
				Name:  "stdio",
				Usage: "Serve line-delimited JSON-RPC on stdin and stdout",
			},
			&cli.StringFlag{
				Name:  "jwt-secret",
				Usage: "Secret used to validate bearer tokens",
			},
			&cli.StringFlag{
				Name:  "redis-uri",
				Usage: "Redis URI used to share notifications between replicas",
			},
			&cli.StringSliceFlag{
				Name:  "allowed-origin",
				Usage: "Origins allowed to call the HTTP and WebSocket transports",
			},
		},
	}
}

func action(ctx context.Context, cmd *cli.Command) error {
	cfg, err := localconfig.Load(ctx, cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", cfg.Log.Level)
	}
	if os.Getenv("LOG_HANDLER") == "" {
		os.Setenv("LOG_HANDLER", cfg.Log.Format)
	}
	l := logger.New().With("version", version.Print())
	ctx = logger.WithLogger(ctx, l)

	res, err := transport.NewResources(cfg, transport.ResourcesOpts{})
	if err != nil {
		return err
	}
	c, err := transport.NewCoordinator(res, transport.CoordinatorOpts{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	})
	if err != nil {
		res.Close()
		return err
	}
	l.Info("starting mcpgate",
		"http", cfg.HTTP.Enabled,
		"websocket", cfg.WebSocket.Enabled,
		"sse", cfg.SSE.Enabled,
		"stdio", cfg.Stdio.Enabled,
	)
	return c.Run(ctx)
}

// applyFlags overrides cfg with every flag that was set.  An empty listener
// address disables that transport.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("http-addr") {
		cfg.HTTP.Addr = cmd.String("http-addr")
		cfg.HTTP.Enabled = cfg.HTTP.Addr != ""
	}
	if cmd.IsSet("ws-addr") {
		cfg.WebSocket.Addr = cmd.String("ws-addr")
		cfg.WebSocket.Enabled = cfg.WebSocket.Addr != ""
	}
	if cmd.IsSet("sse-addr") {
		cfg.SSE.Addr = cmd.String("sse-addr")
		cfg.SSE.Enabled = cfg.SSE.Addr != ""
	}
	if cmd.IsSet("stdio") {
		cfg.Stdio.Enabled = cmd.Bool("stdio")
	}
	if secret := envflags.GetEnvOrFlag(cmd, "jwt-secret", "MCPGATE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if cmd.IsSet("redis-uri") {
		cfg.Fanout.RedisURI = cmd.String("redis-uri")
	}
	if origins := envflags.GetEnvOrStringSlice(cmd, "allowed-origin", "MCPGATE_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.HTTP.AllowedOrigins = origins
	}
}
