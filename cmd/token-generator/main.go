// Command token-generator issues bearer tokens for local development. It
// signs with the configured JWT secret, so the tokens are accepted by a
// server started with the same configuration.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/phrazzld/genflow/internal/config"
	"github.com/phrazzld/genflow/internal/service/auth"
)

func main() {
	fs := pflag.NewFlagSet("token-generator", pflag.ExitOnError)
	fs.String("config", "", "path to a configuration file")
	owners := fs.StringSlice("owner", nil, "owner IDs to issue tokens for")
	_ = fs.Parse(os.Args[1:])

	if len(*owners) == 0 {
		fmt.Fprintln(os.Stderr, "at least one --owner is required")
		os.Exit(2)
	}

	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	svc, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize JWT service: %v\n", err)
		os.Exit(1)
	}

	for _, owner := range *owners {
		token, err := svc.GenerateToken(context.Background(), owner)
		if err != nil {
			fmt.Printf("Error generating token for %s: %v\n", owner, err)
			continue
		}
		fmt.Printf("Owner: %s\nExpires in: %s\nToken: %s\n\n", owner, cfg.Auth.TokenLifetime, token)
	}
}
