package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats holds the cumulative counters of one network interface. The
// interface's own loop is the only writer, but the reporter goroutine reads
// them concurrently, so every field is atomic.
type Stats struct {
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	BytesSent       atomic.Int64
	BytesRecv       atomic.Int64
	PacketsResent   atomic.Int64
	Piggybacks      atomic.Int64

	CorruptedPackets   atomic.Int64
	DuplicatePackets   atomic.Int64
	OutOfWindowPackets atomic.Int64
	DroppedPackets     atomic.Int64 // failed remote, stale version, unknown peer

	ChannelsCreated   atomic.Int64
	ChannelsDestroyed atomic.Int64
}

func (s *Stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *Stats) AddRecv(n int) {
	s.PacketsReceived.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *Stats) AddResend()      { s.PacketsResent.Add(1) }
func (s *Stats) AddPiggyback()   { s.Piggybacks.Add(1) }
func (s *Stats) AddCorrupted()   { s.CorruptedPackets.Add(1) }
func (s *Stats) AddDuplicate()   { s.DuplicatePackets.Add(1) }
func (s *Stats) AddOutOfWindow() { s.OutOfWindowPackets.Add(1) }
func (s *Stats) AddDropped()     { s.DroppedPackets.Add(1) }
func (s *Stats) AddChannel()     { s.ChannelsCreated.Add(1) }
func (s *Stats) RemoveChannel()  { s.ChannelsDestroyed.Add(1) }

// snapshot is a plain copy of the counters used to compute per-interval deltas.
type snapshot struct {
	sent, recv, bytesSent, bytesRecv, resent, corrupted, opened, closed int64
}

func (s *Stats) snapshot() snapshot {
	return snapshot{
		sent:      s.PacketsSent.Load(),
		recv:      s.PacketsReceived.Load(),
		bytesSent: s.BytesSent.Load(),
		bytesRecv: s.BytesRecv.Load(),
		resent:    s.PacketsResent.Load(),
		corrupted: s.CorruptedPackets.Load(),
		opened:    s.ChannelsCreated.Load(),
		closed:    s.ChannelsDestroyed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// interval. Quiet intervals are not logged. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := s.snapshot()
		secs := interval.Seconds()
		for {
			select {
			case <-ticker.C:
				cur := s.snapshot()
				outS := float64(cur.bytesSent-prev.bytesSent) / secs
				inS := float64(cur.bytesRecv-prev.bytesRecv) / secs
				resent := cur.resent - prev.resent
				corrupted := cur.corrupted - prev.corrupted
				opened := cur.opened - prev.opened
				closed := cur.closed - prev.closed

				if cur.sent != prev.sent || cur.recv != prev.recv || opened > 0 || closed > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, resent, corrupted, opened, closed))
				}

				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count with a fixed width of exactly 8 chars,
// e.g. "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) out
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, resent, corrupted, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Resent: %d | Corrupt: %d | Chan: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		resent,
		corrupted,
		opened,
		closed,
	)
}
