// Command peerwire-hub runs a standalone hub. Every hub sharing a backplane
// delivers publications to the sessions of every other hub.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drblury/peerwire/internal/runtime/config"
	"github.com/drblury/peerwire/internal/runtime/hub"
	"github.com/drblury/peerwire/internal/runtime/logging"
	_ "github.com/drblury/peerwire/transport/transports"
)

func main() {
	configPath := flag.String("config", os.Getenv("PEERWIRE_CONFIG"), "path to a TOML config file")
	listen := flag.String("listen", "", "override listen_address")
	flag.Parse()

	log.Logger = log.Output(LogOut{})

	cfg, err := loadConfig(*configPath, *listen)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	log.Logger = logger
	log.Info().Str("config", cfg.String()).Msg("starting hub")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg, hub.WithLogger(logging.NewZerologServiceLogger(logger)))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create hub")
	}
	if err := h.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("hub stopped")
	}
	log.Info().Msg("hub stopped")
}

// loadConfig reads path, or uses the defaults when it is empty, and applies
// the command line overrides.
func loadConfig(path, listen string) (config.Config, error) {
	cfg := config.Defaults()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.ListenAddress = listen
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return zerolog.Logger{}, err
		}
		level = parsed
	}

	var out zerolog.LevelWriter = LogOut{}
	if cfg.LogFormat != "json" {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("hub", cfg.BackplaneGroup).Logger(), nil
}
