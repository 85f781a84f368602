// Command relay runs the signaling relay for peercall sessions.
//
// Fans every message a participant sends to /signaling?session_id=<id> out
// to all connections of that session. Prometheus metrics are served on
// /metrics and a liveness check on /healthz.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peercall/internal/app"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file")
	listen := flags.StringP("listen", "l", "", "Listen address (default :8080)")
	origins := flags.StringSlice("allowed-origin", nil, "Allowed Origin header (repeatable); empty allows any")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn, error")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if len(*origins) > 0 {
		cfg.Relay.AllowedOrigins = *origins
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := util.SetLogLevel(cfg.Log.Level); err != nil {
		util.LogWarning("%v", err)
	}

	pterm.Info.Println(fmt.Sprintf("Peercall relay v%s", version))

	if err := app.RunRelay(ctx, cfg.Relay); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
