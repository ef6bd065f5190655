package util

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(period time.Duration) (*ErrorReporter, *clock.Mock, *[]string) {
	clk := clock.NewMock()
	r := NewErrorReporter(clk, period)
	var lines []string
	r.SetOutput(func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	return r, clk, &lines
}

func TestErrorReporterSuppressesRepeats(t *testing.T) {
	r, _, lines := newTestReporter(time.Second)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	err := errors.New("corrupted packet")

	for i := 0; i < 5; i++ {
		r.Report(addr, err)
	}

	require.Len(t, *lines, 1)
	assert.Contains(t, (*lines)[0], "corrupted packet")
	assert.Equal(t, 4, r.Pending())

	r.Flush()
	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[1], "4 more occurrence(s)")
	assert.Equal(t, 0, r.Pending())
}

func TestErrorReporterKeysByAddressAndMessage(t *testing.T) {
	r, _, lines := newTestReporter(time.Second)
	a := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	b := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}

	r.Report(a, errors.New("x"))
	r.Report(b, errors.New("x"))
	r.Report(a, errors.New("y"))
	r.Report(a, nil)

	assert.Len(t, *lines, 3)
	assert.Equal(t, 0, r.Pending())
}

func TestErrorReporterAllowsAgainAfterPeriod(t *testing.T) {
	r, clk, lines := newTestReporter(time.Second)
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	err := errors.New("bad flags")

	r.Report(addr, err)
	r.Report(addr, err)
	require.Len(t, *lines, 1)

	clk.Add(time.Second)
	r.Report(addr, err)
	assert.Len(t, *lines, 2)

	// entries idle for a full period are forgotten on flush
	clk.Add(2 * time.Second)
	r.Flush()
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	assert.Equal(t, 0, n)
}
