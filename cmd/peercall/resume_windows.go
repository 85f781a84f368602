//go:build windows

package main

import "github.com/1ureka/peercall/internal/transport"

// Windows has no job-control signals.
func watchResume(*transport.Visibility) (stop func()) {
	return func() {}
}
