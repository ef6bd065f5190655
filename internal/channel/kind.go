package channel

import (
	"fmt"
	"time"
)

// Kind fixes a channel's window size and whether packets carry channel info.
type Kind int

const (
	// KindExternal is a peer-to-peer channel over an untrusted network.
	KindExternal Kind = iota
	// KindInternal is a channel between trusted processes.
	KindInternal
	// KindIndexed is a sub-channel multiplexed within one socket by id.
	KindIndexed
)

func (k Kind) String() string {
	switch k {
	case KindExternal:
		return "external"
	case KindInternal:
		return "internal"
	case KindIndexed:
		return "indexed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Settings are the per-kind tunables a channel is built with.
type Settings struct {
	// WindowSize bounds the unacked and receive rings. Power of two.
	WindowSize int

	// InitialCapacity is the starting size of both rings. Power of two.
	InitialCapacity int

	InitialRTT time.Duration

	// MinInactivityResendDelay is the floor of the time-driven resend delay
	// on irregular channels.
	MinInactivityResendDelay time.Duration

	Checksums bool

	// MaxFragments caps how many packets one bundle may span.
	MaxFragments int

	// SendWindowThreshold fires the owner's send-window observer when this
	// many packets are unacked. Zero disables it.
	SendWindowThreshold int
}

// DefaultSettings returns the built-in settings for k.
func DefaultSettings(k Kind) Settings {
	s := Settings{
		InitialCapacity:          32,
		MinInactivityResendDelay: time.Second,
		Checksums:                true,
		MaxFragments:             64,
	}
	switch k {
	case KindInternal:
		s.WindowSize = 4096
		s.InitialRTT = 100 * time.Millisecond
	case KindIndexed:
		s.WindowSize = 512
		s.InitialRTT = 100 * time.Millisecond
	default:
		s.WindowSize = 256
		s.InitialRTT = time.Second
	}
	s.SendWindowThreshold = s.WindowSize / 2
	return s
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate reports settings a channel cannot run with.
func (s Settings) Validate() error {
	if !isPowerOfTwo(s.WindowSize) {
		return fmt.Errorf("window size %d is not a power of two", s.WindowSize)
	}
	if !isPowerOfTwo(s.InitialCapacity) || s.InitialCapacity > s.WindowSize {
		return fmt.Errorf("initial capacity %d must be a power of two no larger than the window", s.InitialCapacity)
	}
	if s.InitialRTT <= 0 || s.MinInactivityResendDelay <= 0 {
		return fmt.Errorf("resend delays must be positive")
	}
	if s.MaxFragments < 1 {
		return fmt.Errorf("max fragments must be at least 1")
	}
	return nil
}
