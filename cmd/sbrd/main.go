package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbrctl/sbrctl/internal/buildinfo"
	"github.com/sbrctl/sbrctl/internal/config"
	"github.com/sbrctl/sbrctl/internal/daemon"
	"github.com/sbrctl/sbrctl/internal/logging"
)

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// A missing config file is fine: run on defaults so a fresh install
		// comes up in simulated mode.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sbrd: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
		if configPath != "" {
			cfg.ConfigPath = configPath
		}
	}

	log := logging.New(cfg.LogLevel)
	log.Info().
		Str("version", buildinfo.Version).
		Str("config", cfg.ConfigPath).
		Msg("sbrd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("sbrd exited with error")
		os.Exit(1)
	}
	log.Info().Msg("sbrd stopped")
}
