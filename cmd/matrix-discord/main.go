// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-discord is a Matrix appservice that bridges rooms with
// Discord channels. Matrix users appear on Discord through per-channel
// webhooks; Discord users appear on Matrix through puppet users.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-discord/pkg/bridge"
	"github.com/aiku/matrix-discord/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := bridge.LoadConfig(*configPath)
	if os.IsNotExist(err) {
		if writeErr := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); writeErr != nil {
			log.Fatal().Err(writeErr).Msg("Failed to write example configuration")
		}
		log.Info().Str("path", *configPath).Msg("Wrote example configuration, edit it and start again")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	if err := bridge.New(cfg, db, log).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited")
	}
	log.Info().Msg("Shutdown complete")
}
