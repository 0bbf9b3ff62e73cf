// Package main is the entrypoint for the authentication service.
// Authsvc handles OTP login, token refresh, and logout for every surface
// of the salon platform.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/glowdesk/salon-platform/internal/config"
	"github.com/glowdesk/salon-platform/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "authsvc",
		PortFromConfig: func(cfg *config.Config) int { return cfg.AuthSvc.HTTPPort },
		Setup:          setup,
	}, nil)
}
