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

// Stats is the process-wide tunnel traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // envelopes handed to the link
	FramesRecv atomic.Int64 // envelopes decoded from the link
	BytesSent  atomic.Int64 // encoded bytes written to the link
	BytesRecv  atomic.Int64 // encoded bytes read from the link
	Dropped    atomic.Int64 // inbound envelopes rejected (malformed or misaddressed)
}

func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFSent, prevFRecv, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				fSent := Stats.FramesSent.Load()
				fRecv := Stats.FramesRecv.Load()
				dropped := Stats.Dropped.Load()

				inS := float64(recv-prevRecv) / reportInterval.Seconds()
				outS := float64(sent-prevSent) / reportInterval.Seconds()
				upF := fSent - prevFSent
				downF := fRecv - prevFRecv

				if upF > 0 || downF > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upF, downF))
				}
				if d := dropped - prevDropped; d > 0 {
					pterm.DefaultLogger.Warn(fmt.Sprintf("dropped %d inbound envelopes", d))
				}

				prevSent = sent
				prevRecv = recv
				prevFSent = fSent
				prevFRecv = fRecv
				prevDropped = dropped

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
func formatStats(inS, outS float64, upF, downF int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		upF,
		downF,
	)
}
