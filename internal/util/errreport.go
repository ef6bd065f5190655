package util

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// ErrorReporter aggregates identical errors per source address so that a
// flood from one misbehaving peer produces one line per period instead of one
// line per datagram. The first occurrence is logged immediately, repeats
// within the period are counted and summarized by Flush.
type ErrorReporter struct {
	clock  clock.Clock
	period time.Duration
	logf   func(format string, args ...interface{})

	mu      sync.Mutex
	entries map[errorKey]*errorEntry
}

type errorKey struct {
	addr string
	msg  string
}

type errorEntry struct {
	limiter    *rate.Limiter
	suppressed int
	lastSeen   time.Time
}

// NewErrorReporter creates a reporter that lets through at most one line per
// (address, message) pair every period.
func NewErrorReporter(clk clock.Clock, period time.Duration) *ErrorReporter {
	return &ErrorReporter{
		clock:   clk,
		period:  period,
		logf:    LogWarning,
		entries: make(map[errorKey]*errorEntry),
	}
}

// SetOutput replaces the log function, mainly for tests.
func (r *ErrorReporter) SetOutput(logf func(format string, args ...interface{})) {
	r.mu.Lock()
	r.logf = logf
	r.mu.Unlock()
}

// Report records err as coming from addr.
func (r *ErrorReporter) Report(addr net.Addr, err error) {
	if err == nil {
		return
	}

	now := r.clock.Now()
	key := errorKey{addr: addrString(addr), msg: err.Error()}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &errorEntry{limiter: rate.NewLimiter(rate.Every(r.period), 1)}
		r.entries[key] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		r.logf("%s %s", key.addr, key.msg)
		return
	}
	e.suppressed++
}

// Flush logs the suppressed counts and forgets entries that have been quiet
// for a whole period.
func (r *ErrorReporter) Flush() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]errorKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].addr != keys[j].addr {
			return keys[i].addr < keys[j].addr
		}
		return keys[i].msg < keys[j].msg
	})

	for _, k := range keys {
		e := r.entries[k]
		if e.suppressed > 0 {
			r.logf("%s %d more occurrence(s) in the last %s: %s", k.addr, e.suppressed, r.period, k.msg)
			e.suppressed = 0
		}
		if now.Sub(e.lastSeen) >= r.period {
			delete(r.entries, k)
		}
	}
}

// Pending returns the number of suppressed reports not yet flushed.
func (r *ErrorReporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		n += e.suppressed
	}
	return n
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "[--------]"
	}
	return fmt.Sprintf("%s %s", PeerTag(addr), addr.String())
}
