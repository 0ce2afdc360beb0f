// Pourlinkd is the daemon that keeps a live connection to a cocktail
// appliance. It follows the appliance's production and pump topics, places
// and controls orders, and exposes all of it over a local HTTP API and an
// observer WebSocket.
//
// With demo mode enabled it also runs a simulated appliance, so the whole
// stack can be exercised without hardware. Shutdown is handled gracefully on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/large-farva/pourlink/internal/app"
	"github.com/large-farva/pourlink/internal/config"
	plog "github.com/large-farva/pourlink/internal/log"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "Path to config TOML (defaults apply when empty)")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides server.bind)")
		demo       = pflag.Bool("demo", false, "Run against the built-in simulated appliance")
		level      = pflag.String("log-level", "", "Log level: debug, info, warn, error (overrides logging.level)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		plog.Logger.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
	}
	if *demo {
		cfg.Demo.Enabled = true
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}

	plog.Init(plog.Config{
		Level:      plog.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	logger := plog.WithComponent("pourlinkd")

	a, err := app.New(app.Options{
		Logger: logger,
		Cfg:    cfg,
		Bind:   *bind,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("pourlinkd failed")
	}

	// Brief pause so in-flight log writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
}
