package schedule

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/protocol"
	"github.com/1ureka/relnet/internal/util"
)

func TestTimersFireInOrderOnTick(t *testing.T) {
	clk := clock.NewMock()
	d := NewDispatcher(clk, 10*time.Millisecond)

	var fired []string
	d.AddTimer(30*time.Millisecond, func() { fired = append(fired, "late") })
	d.AddTimer(10*time.Millisecond, func() { fired = append(fired, "early") })
	cancelled := d.AddTimer(20*time.Millisecond, func() { fired = append(fired, "cancelled") })
	cancelled.Cancel()

	d.RunOnce()
	assert.Empty(t, fired)

	clk.Add(30 * time.Millisecond)
	d.RunOnce()
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, d.NumTimers())
}

func TestRepeatingTimer(t *testing.T) {
	clk := clock.NewMock()
	d := NewDispatcher(clk, 10*time.Millisecond)

	n := 0
	var tm *Timer
	tm = d.AddRepeatingTimer(time.Second, func() {
		n++
		if n == 3 {
			tm.Cancel()
		}
	})

	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
		d.RunOnce()
	}
	assert.Equal(t, 3, n)

	// A late tick runs a repeating timer once, not once per missed period.
	m := 0
	d.AddRepeatingTimer(time.Second, func() { m++ })
	clk.Add(5 * time.Second)
	d.RunOnce()
	assert.Equal(t, 1, m)
}

func TestPostFromOtherGoroutines(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Post(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, d.RunPosted())
	assert.Equal(t, 10, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	d := NewDispatcher(clock.New(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	ran := make(chan struct{})
	d.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted event did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestFrequentTasksStopWhenMutated(t *testing.T) {
	f := NewFrequentTasks()
	var order []string

	f.Add("a", func() { order = append(order, "a") })
	var b *TaskHandle
	b = f.Add("b", func() {
		order = append(order, "b")
		f.Remove(b)
	})
	f.Add("c", func() { order = append(order, "c") })

	f.Process()
	assert.Equal(t, []string{"a", "b"}, order, "iteration stops after a removal")

	order = nil
	f.Process()
	assert.Equal(t, []string{"a", "c"}, order)
	assert.Equal(t, 2, f.Len())
}

func TestFrequentTasksClearedDuringProcess(t *testing.T) {
	f := NewFrequentTasks()
	ran := 0
	f.Add("clear", func() {
		ran++
		f.Clear()
	})
	f.Add("never", func() { ran += 100 })

	f.Process()
	assert.Equal(t, 1, ran)
	assert.Equal(t, 0, f.Len())
}

type countingOwner struct {
	clk   clock.Clock
	stats util.Stats
	sent  int
}

func (o *countingOwner) SendPacket(net.Addr, *protocol.Packet) error {
	o.sent++
	return nil
}

func (o *countingOwner) Clock() clock.Clock                    { return o.clk }
func (o *countingOwner) Stats() *util.Stats                    { return &o.stats }
func (o *countingOwner) IsExternal() bool                      { return true }
func (o *countingOwner) DelayedSend(*channel.Channel)          {}
func (o *countingOwner) MarkIrregular(*channel.Channel)        {}
func (o *countingOwner) Condemn(*channel.Channel)              {}
func (o *countingOwner) SendWindowUsage(*channel.Channel, int) {}

func TestDelayedChannelsCoalesce(t *testing.T) {
	o := &countingOwner{clk: clock.NewMock()}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	ch := channel.New(o, addr, channel.KindExternal, 0, channel.DefaultSettings(channel.KindExternal))

	tasks := NewFrequentTasks()
	d := NewDelayedChannels(tasks)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Bundle().AddMessage([]byte(msg), true))
		d.Add(ch)
	}
	assert.Equal(t, 1, d.Len())

	tasks.Process()
	assert.Equal(t, 1, o.sent, "three messages, one packet")
	assert.Equal(t, 0, d.Len())

	tasks.Process()
	assert.Equal(t, 1, o.sent)

	require.NoError(t, ch.Bundle().AddMessage([]byte("now"), true))
	d.Add(ch)
	d.SendIfDelayed(ch)
	assert.Equal(t, 2, o.sent)
	assert.Equal(t, 0, d.Len())

	d.Add(ch)
	ch.MarkDestroyed()
	tasks.Process()
	assert.Equal(t, 2, o.sent)

	d.Close()
	assert.Equal(t, 0, tasks.Len())
}
