// Command peercall joins a peer-to-peer call.
//
// Joins a two-party media session through a signaling relay. Media flows
// peer-to-peer once negotiated; the relay only carries offers, answers and
// candidates.
//
// It can be launched interactively (missing session or user) or
// non-interactively via flags (--relay, --session, --user, --media).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peercall/internal/app"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flags := pflag.NewFlagSet("peercall", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file")
	relayURL := flags.String("relay", "", "Signaling relay URL (e.g. wss://relay.example.com)")
	sessionID := flags.StringP("session", "s", "", "Session id to join")
	userID := flags.StringP("user", "u", "", "Participant id (random when empty)")
	media := flags.String("media", "", "Local media: test-pattern, audio-only or none")
	credentialsURL := flags.String("credentials-url", "", "Endpoint returning TURN credentials")
	loopback := flags.Bool("loopback", false, "Gather loopback ICE candidates (same-machine calls)")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn, error")
	debugMode := flags.Bool("debug", false, "Enable debug logging")

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

	// Flags win over file and environment.
	if *relayURL != "" {
		cfg.Call.RelayURL = *relayURL
	}
	if *sessionID != "" {
		cfg.Call.SessionID = *sessionID
	}
	if *userID != "" {
		cfg.Call.UserID = *userID
	}
	if *media != "" {
		cfg.Call.Media = config.MediaMode(*media)
	}
	if *credentialsURL != "" {
		cfg.ICE.CredentialsURL = *credentialsURL
	}
	if *loopback {
		cfg.ICE.IncludeLoopback = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := util.SetLogLevel(cfg.Log.Level); err != nil {
		util.LogWarning("%v", err)
	}
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peercall v%s", version))
	pterm.Println()

	if cfg.Call.SessionID == "" {
		cfg.Call.RelayURL = askRelay(cfg.Call.RelayURL)
		cfg.Call.SessionID = askText("Session id")
	}
	if cfg.Call.UserID == "" {
		cfg.Call.UserID = "guest-" + uuid.NewString()[:8]
		util.LogInfo("joining as %s", cfg.Call.UserID)
	}

	visibility := transport.NewVisibility()
	stopVisibility := watchResume(visibility)
	defer stopVisibility()

	if err := app.RunCall(ctx, cfg, visibility, os.Stdin); err != nil {
		util.LogError("call ended: %v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully left the call")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askRelay prompts for the relay URL until it can be turned into a
// signaling address. Enter keeps current.
func askRelay(current string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Relay URL (enter for %s)", current)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			raw = current
		}

		if _, err := signaling.RelayURL(raw, "validate"); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		pterm.Println()
		util.LogWarning("a value is required")
	}
}
