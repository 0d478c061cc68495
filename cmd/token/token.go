package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inngest/mcpgate/cmd/internal/envflags"
	"github.com/inngest/mcpgate/cmd/internal/localconfig"
	"github.com/inngest/mcpgate/pkg/auth"
	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Mint a bearer token accepted by the server.",
		UsageText: "mcpgate token --user alice [--tenant acme] [--ttl 1h]",
		Action:    action,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to an mcpgate configuration file",
			},
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User id, stored as the token subject",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Tenant id",
			},
			&cli.StringFlag{
				Name:  "client",
				Usage: "Client id",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: auth.DefaultTokenTTL,
				Usage: "How long the token is valid for",
			},
			&cli.StringFlag{
				Name:  "jwt-secret",
				Usage: "Secret used to sign the token",
			},
		},
	}
}

func action(ctx context.Context, cmd *cli.Command) error {
	cfg, err := localconfig.Load(ctx, cmd)
	if err != nil {
		return err
	}
	secret := envflags.GetEnvOrFlag(cmd, "jwt-secret", "MCPGATE_JWT_SECRET")
	if secret == "" {
		secret = cfg.Auth.JWTSecret
	}
	if secret == "" {
		return errors.New("a jwt secret is required")
	}

	token, err := auth.NewToken([]byte(secret), cfg.Auth.Issuer, time.Now(), auth.TokenOpts{
		UserID:   cmd.String("user"),
		TenantID: cmd.String("tenant"),
		ClientID: cmd.String("client"),
		TTL:      cmd.Duration("ttl"),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}
