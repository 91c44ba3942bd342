package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/config"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/logging"
)

var envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&syncCmd{}, "")
	commander.Register(&statusCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// setup loads configuration and builds the engine shared by every command.
func setup(ctx context.Context) (*app, zerolog.Logger, error) {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}
