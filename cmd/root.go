package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inngest/mcpgate/cmd/serve"
	"github.com/inngest/mcpgate/cmd/token"
	"github.com/inngest/mcpgate/cmd/version"
	mcpversion "github.com/inngest/mcpgate/pkg/version"
	isatty "github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
)

// globalFlags are the flags that should be available on all commands
var globalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "json",
		Usage: "Output logs as JSON.  Set to true if stderr is not a TTY.",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable verbose logging.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Value:   "info",
		Usage:   "Set the log level.  One of: trace, debug, info, warn, error.",
	},
}

func execute() {
	app := &cli.Command{
		Name:    "mcpgate",
		Usage:   fmt.Sprintf("mcpgate v%s\n\nJSON-RPC tool gateway over stdio, HTTP, SSE and WebSocket.", mcpversion.Print()),
		Version: mcpversion.Print(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("json") {
				os.Setenv("LOG_HANDLER", "json")
			}
			// Unset levels fall through to the config file.
			if os.Getenv("LOG_LEVEL") == "" {
				if cmd.IsSet("log-level") {
					os.Setenv("LOG_LEVEL", cmd.String("log-level"))
				} else if cmd.Bool("verbose") {
					os.Setenv("LOG_LEVEL", "debug")
				}
			}
			return ctx, nil
		},

		Flags: globalFlags,
		Commands: []*cli.Command{
			serve.Command(),
			token.Command(),
			version.Command(),
		},
	}

	// Logs go to stderr; stdout may carry the stdio transport.
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		os.Setenv("LOG_HANDLER", "json")
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
