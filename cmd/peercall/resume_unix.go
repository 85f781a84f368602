//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

// watchResume reports the process as visible again when it is continued
// after a suspend (fg after Ctrl+Z, SIGCONT from a supervisor).
func watchResume(v *transport.Visibility) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				util.LogDebug("resumed, checking relay connection")
				v.Notify(true)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
