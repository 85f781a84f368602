package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/media counter.
var Stats = &stats{}

type stats struct {
	SignalsSent atomic.Int64 // signal messages written to the relay
	SignalsRecv atomic.Int64 // signal messages accepted from the relay
	Reconnects  atomic.Int64 // scheduled relay reconnect attempts
	MediaBytes  atomic.Int64 // inbound RTP payload bytes across remote tracks
}

func (s *stats) AddSignalSent()      { s.SignalsSent.Add(1) }
func (s *stats) AddSignalRecv()      { s.SignalsRecv.Add(1) }
func (s *stats) AddReconnect()       { s.Reconnects.Add(1) }
func (s *stats) AddMediaBytes(n int) { s.MediaBytes.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval (10 seconds when interval is zero). It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevRetry, prevMedia int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.SignalsSent.Load()
				recv := Stats.SignalsRecv.Load()
				retry := Stats.Reconnects.Load()
				media := Stats.MediaBytes.Load()

				rate := float64(media-prevMedia) / interval.Seconds()
				if sent != prevSent || recv != prevRecv || retry != prevRetry || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(rate, sent-prevSent, recv-prevRecv, retry-prevRetry))
				}

				prevSent = sent
				prevRecv = recv
				prevRetry = retry
				prevMedia = media

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(mediaRate float64, sent, recv, retries int64) string {
	return fmt.Sprintf("Media: %s/s | Signals: %2d↑ %2d↓ | Reconnects: %d",
		formatBytes(mediaRate),
		sent,
		recv,
		retries,
	)
}
