// Package main is the entrypoint for the authentication service.
// authd handles OTP issuance, OTP verification, and login endpoints.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amlakpars/marketplace-auth/internal/config"
	"github.com/amlakpars/marketplace-auth/internal/server"
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
		Name:           "authd",
		PortFromConfig: func(cfg *config.Config) int { return cfg.HTTP.Port },
		Setup:          setup,
	}, nil)
}
