package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/relay"
	"github.com/1ureka/peercall/internal/util"
)

// RunRelay listens on cfg.Listen and serves the relay until ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.RelayConfig) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	return ServeRelay(ctx, ln, cfg)
}

// ServeRelay serves the relay on ln and shuts down gracefully once ctx is
// cancelled.
func ServeRelay(ctx context.Context, ln net.Listener, cfg config.RelayConfig) error {
	srv := relay.NewServer(relay.Options{
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		ReadLimit:      cfg.ReadLimit,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	util.LogSuccess("relay listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve relay: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	util.LogInfo("relay shutting down (%d session(s) open)", srv.Hub().Sessions())
	err := httpServer.Shutdown(shutdownCtx)
	srv.Hub().CloseAll()
	if err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}
