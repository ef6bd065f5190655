package network

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/receiver"
)

// Options configure an Interface. Zero durations and counts fall back to
// DefaultOptions.
type Options struct {
	// External marks an interface facing untrusted peers: it never creates
	// channels for unknown addresses and rejects the create flag.
	External bool

	// Settings override the per-kind channel settings.
	Settings map[channel.Kind]channel.Settings

	// Checksums adds a checksum to off-channel packets.
	Checksums bool

	TickInterval time.Duration

	// KeepAliveInterval is how long a keep-alive channel may stay silent
	// before it sends an empty reliable packet.
	KeepAliveInterval time.Duration

	// InactivityTimeout ends a keep-alive channel that has received nothing
	// for this long.
	InactivityTimeout time.Duration

	// CondemnTimeout destroys a condemned channel even if packets are still
	// unacknowledged.
	CondemnTimeout time.Duration

	OnceOffResendPeriod time.Duration
	OnceOffMaxResends   int

	// ErrorReportPeriod is how often repeated packet errors are summarized.
	ErrorReportPeriod time.Duration

	Receiver receiver.Options

	// SendWindowObserver, if set, is told when a channel's unacked packets
	// reach its SendWindowThreshold.
	SendWindowObserver func(ch *channel.Channel, usage int)

	Clock clock.Clock
}

// DefaultOptions returns working values for an internal interface.
func DefaultOptions() Options {
	return Options{
		Checksums:           true,
		TickInterval:        10 * time.Millisecond,
		KeepAliveInterval:   time.Second,
		InactivityTimeout:   60 * time.Second,
		CondemnTimeout:      60 * time.Second,
		OnceOffResendPeriod: 200 * time.Millisecond,
		OnceOffMaxResends:   50,
		ErrorReportPeriod:   10 * time.Second,
		Receiver: receiver.Options{
			RequireChecksums:    true,
			FragmentTimeout:     10 * time.Second,
			MaxPendingFragments: 256,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.CondemnTimeout <= 0 {
		o.CondemnTimeout = d.CondemnTimeout
	}
	if o.OnceOffResendPeriod <= 0 {
		o.OnceOffResendPeriod = d.OnceOffResendPeriod
	}
	if o.OnceOffMaxResends <= 0 {
		o.OnceOffMaxResends = d.OnceOffMaxResends
	}
	if o.ErrorReportPeriod <= 0 {
		o.ErrorReportPeriod = d.ErrorReportPeriod
	}
	if o.Receiver.FragmentTimeout <= 0 {
		o.Receiver.FragmentTimeout = d.Receiver.FragmentTimeout
	}
	if o.Receiver.MaxPendingFragments <= 0 {
		o.Receiver.MaxPendingFragments = d.Receiver.MaxPendingFragments
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// settings returns the channel settings for k.
func (o Options) settings(k channel.Kind) channel.Settings {
	if s, ok := o.Settings[k]; ok {
		return s
	}
	return channel.DefaultSettings(k)
}
