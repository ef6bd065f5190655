// Package config holds the node configuration: defaults, YAML loading and
// the mapping onto channel settings and network options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/network"
	"github.com/1ureka/relnet/internal/receiver"
)

// Role represents the signaling role for the WebRTC transport (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Transport selects the datagram socket.
type Transport string

const (
	TransportUDP    Transport = "udp"
	TransportWebRTC Transport = "webrtc"
)

// ChannelConfig tunes one channel kind.
type ChannelConfig struct {
	WindowSize          int           `yaml:"window_size"`
	InitialCapacity     int           `yaml:"initial_capacity"`
	InitialRTT          time.Duration `yaml:"initial_rtt"`
	SendWindowThreshold int           `yaml:"send_window_threshold"`
}

// Channels groups the per-kind settings.
type Channels struct {
	External ChannelConfig `yaml:"external"`
	Internal ChannelConfig `yaml:"internal"`
	Indexed  ChannelConfig `yaml:"indexed"`
}

// Config stores every parameter of a node. CLI flags override values loaded
// from a file.
type Config struct {
	Role      Role      `yaml:"role"`
	Transport Transport `yaml:"transport"`
	Listen    string    `yaml:"listen"`    // UDP: local address
	Peer      string    `yaml:"peer"`      // UDP: remote address
	WSListen  string    `yaml:"ws_listen"` // WebRTC host: signaling server address
	WSURL     string    `yaml:"ws_url"`    // WebRTC client: signaling URL
	Internal  bool      `yaml:"internal"`  // trusted network: accept unknown peers
	Debug     bool      `yaml:"debug"`

	Channels                 Channels      `yaml:"channels"`
	MinInactivityResendDelay time.Duration `yaml:"min_inactivity_resend_delay"`
	Checksums                bool          `yaml:"checksums"`
	MaxFragments             int           `yaml:"max_fragments"`
	FragmentTimeout          time.Duration `yaml:"fragment_timeout"`
	MaxPendingFragments      int           `yaml:"max_pending_fragments"`

	TickInterval        time.Duration `yaml:"tick_interval"`
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	CondemnTimeout      time.Duration `yaml:"condemn_timeout"`
	OnceOffResendPeriod time.Duration `yaml:"once_off_resend_period"`
	OnceOffMaxResends   int           `yaml:"once_off_max_resends"`

	StatsInterval     time.Duration `yaml:"stats_interval"`
	ErrorReportPeriod time.Duration `yaml:"error_report_period"`
}

func channelDefaults(k channel.Kind) ChannelConfig {
	s := channel.DefaultSettings(k)
	return ChannelConfig{
		WindowSize:          s.WindowSize,
		InitialCapacity:     s.InitialCapacity,
		InitialRTT:          s.InitialRTT,
		SendWindowThreshold: s.SendWindowThreshold,
	}
}

// Default returns a configuration that works out of the box: a UDP node
// on an external interface.
func Default() *Config {
	opts := network.DefaultOptions()
	base := channel.DefaultSettings(channel.KindExternal)
	return &Config{
		Role:      RoleHost,
		Transport: TransportUDP,
		Listen:    ":7400",
		WSListen:  ":0",
		Channels: Channels{
			External: channelDefaults(channel.KindExternal),
			Internal: channelDefaults(channel.KindInternal),
			Indexed:  channelDefaults(channel.KindIndexed),
		},
		MinInactivityResendDelay: base.MinInactivityResendDelay,
		Checksums:                base.Checksums,
		MaxFragments:             base.MaxFragments,
		FragmentTimeout:          opts.Receiver.FragmentTimeout,
		MaxPendingFragments:      opts.Receiver.MaxPendingFragments,
		TickInterval:             opts.TickInterval,
		KeepAliveInterval:        opts.KeepAliveInterval,
		InactivityTimeout:        opts.InactivityTimeout,
		CondemnTimeout:           opts.CondemnTimeout,
		OnceOffResendPeriod:      opts.OnceOffResendPeriod,
		OnceOffMaxResends:        opts.OnceOffMaxResends,
		StatsInterval:            5 * time.Second,
		ErrorReportPeriod:        opts.ErrorReportPeriod,
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportUDP:
		if c.Listen == "" {
			errs = append(errs, errors.New("udp transport needs a listen address"))
		}
	case TransportWebRTC:
		switch c.Role {
		case RoleHost:
		case RoleClient:
			if c.WSURL == "" {
				errs = append(errs, errors.New("webrtc client needs a signaling URL"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid role %q: must be host or client", c.Role))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be udp or webrtc", c.Transport))
	}

	for _, k := range []channel.Kind{channel.KindExternal, channel.KindInternal, channel.KindIndexed} {
		if err := c.ChannelSettings(k).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s channels: %w", k, err))
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"fragment_timeout", c.FragmentTimeout},
		{"tick_interval", c.TickInterval},
		{"keep_alive_interval", c.KeepAliveInterval},
		{"inactivity_timeout", c.InactivityTimeout},
		{"condemn_timeout", c.CondemnTimeout},
		{"once_off_resend_period", c.OnceOffResendPeriod},
		{"stats_interval", c.StatsInterval},
		{"error_report_period", c.ErrorReportPeriod},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.OnceOffMaxResends < 1 {
		errs = append(errs, errors.New("once_off_max_resends must be at least 1"))
	}
	if c.MaxPendingFragments < 1 {
		errs = append(errs, errors.New("max_pending_fragments must be at least 1"))
	}
	return errors.Join(errs...)
}

// ChannelSettings builds the settings for channels of kind k.
func (c *Config) ChannelSettings(k channel.Kind) channel.Settings {
	var cc ChannelConfig
	switch k {
	case channel.KindInternal:
		cc = c.Channels.Internal
	case channel.KindIndexed:
		cc = c.Channels.Indexed
	default:
		cc = c.Channels.External
	}
	return channel.Settings{
		WindowSize:               cc.WindowSize,
		InitialCapacity:          cc.InitialCapacity,
		InitialRTT:               cc.InitialRTT,
		MinInactivityResendDelay: c.MinInactivityResendDelay,
		Checksums:                c.Checksums,
		MaxFragments:             c.MaxFragments,
		SendWindowThreshold:      cc.SendWindowThreshold,
	}
}

// NetworkOptions maps the configuration onto an interface's options.
func (c *Config) NetworkOptions() network.Options {
	return network.Options{
		External: !c.Internal,
		Settings: map[channel.Kind]channel.Settings{
			channel.KindExternal: c.ChannelSettings(channel.KindExternal),
			channel.KindInternal: c.ChannelSettings(channel.KindInternal),
			channel.KindIndexed:  c.ChannelSettings(channel.KindIndexed),
		},
		Checksums:           c.Checksums,
		TickInterval:        c.TickInterval,
		KeepAliveInterval:   c.KeepAliveInterval,
		InactivityTimeout:   c.InactivityTimeout,
		CondemnTimeout:      c.CondemnTimeout,
		OnceOffResendPeriod: c.OnceOffResendPeriod,
		OnceOffMaxResends:   c.OnceOffMaxResends,
		ErrorReportPeriod:   c.ErrorReportPeriod,
		Receiver: receiver.Options{
			RequireChecksums:    c.Checksums,
			FragmentTimeout:     c.FragmentTimeout,
			MaxPendingFragments: c.MaxPendingFragments,
		},
	}
}
