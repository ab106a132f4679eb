package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/punica/internal/engine"
	"github.com/samcharles93/punica/internal/logger"
)

// openEngine merges the config file into v and builds an engine.
func openEngine(ctx context.Context, cmd *cli.Command, v *engineFlagValues) (*engine.Engine, Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, Config{}, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	applyEngineConfig(cmd, cfg, v)

	opts, err := v.options(logger.FromContext(ctx))
	if err != nil {
		return nil, cfg, cli.Exit(fmt.Sprintf("error: %v", err), 2)
	}
	e, err := engine.New(opts)
	if err != nil {
		return nil, cfg, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return e, cfg, nil
}
