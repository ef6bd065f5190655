package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relnet/internal/channel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	for _, k := range []channel.Kind{channel.KindExternal, channel.KindInternal, channel.KindIndexed} {
		assert.Equal(t, channel.DefaultSettings(k), cfg.ChannelSettings(k), "%s", k)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
transport: udp
listen: 127.0.0.1:9000
peer: 127.0.0.1:9001
internal: true
checksums: false
keep_alive_interval: 250ms
channels:
  internal:
    window_size: 1024
    initial_rtt: 50ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9001", cfg.Peer)
	assert.Equal(t, 250*time.Millisecond, cfg.KeepAliveInterval)

	internal := cfg.ChannelSettings(channel.KindInternal)
	assert.Equal(t, 1024, internal.WindowSize)
	assert.Equal(t, 50*time.Millisecond, internal.InitialRTT)
	assert.Equal(t, 32, internal.InitialCapacity, "untouched fields keep their default")
	assert.False(t, internal.Checksums)

	opts := cfg.NetworkOptions()
	assert.False(t, opts.External)
	assert.False(t, opts.Checksums)
	assert.False(t, opts.Receiver.RequireChecksums)
	assert.Equal(t, internal, opts.Settings[channel.KindInternal])
	assert.Equal(t, 250*time.Millisecond, opts.KeepAliveInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "listen: [\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "no_such_key: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"window not power of two", func(c *Config) { c.Channels.External.WindowSize = 300 }, "external channels"},
		{"capacity above window", func(c *Config) { c.Channels.Indexed.InitialCapacity = 1024 }, "indexed channels"},
		{"bad transport", func(c *Config) { c.Transport = "tcp" }, "invalid transport"},
		{"webrtc client without url", func(c *Config) {
			c.Transport = TransportWebRTC
			c.Role = RoleClient
		}, "signaling URL"},
		{"bad role", func(c *Config) {
			c.Transport = TransportWebRTC
			c.Role = "peer"
		}, "invalid role"},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, "tick_interval"},
		{"zero resends", func(c *Config) { c.OnceOffMaxResends = 0 }, "once_off_max_resends"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
