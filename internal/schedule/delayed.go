package schedule

import (
	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/util"
)

// DelayedChannels collects channels whose send was deferred to the end of
// the tick, so that messages queued by several callers go out in one bundle.
type DelayedChannels struct {
	tasks   *FrequentTasks
	handle  *TaskHandle
	order   []*channel.Channel
	pending map[*channel.Channel]struct{}
}

// NewDelayedChannels registers the flush as a frequent task.
func NewDelayedChannels(tasks *FrequentTasks) *DelayedChannels {
	d := &DelayedChannels{
		tasks:   tasks,
		pending: make(map[*channel.Channel]struct{}),
	}
	d.handle = tasks.Add("delayed channels", d.Process)
	return d
}

// Add schedules ch. Adding a channel twice within a tick sends once.
func (d *DelayedChannels) Add(ch *channel.Channel) {
	if _, ok := d.pending[ch]; ok {
		return
	}
	d.pending[ch] = struct{}{}
	d.order = append(d.order, ch)
}

// Remove forgets ch, for channels being destroyed.
func (d *DelayedChannels) Remove(ch *channel.Channel) {
	if _, ok := d.pending[ch]; !ok {
		return
	}
	delete(d.pending, ch)
	for i, c := range d.order {
		if c == ch {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
}

// SendIfDelayed sends ch now if it was scheduled.
func (d *DelayedChannels) SendIfDelayed(ch *channel.Channel) {
	if _, ok := d.pending[ch]; !ok {
		return
	}
	d.Remove(ch)
	send(ch)
}

func (d *DelayedChannels) Len() int { return len(d.order) }

// Process sends every scheduled channel once and clears the set.
func (d *DelayedChannels) Process() {
	order := d.order
	d.order = nil
	clear(d.pending)

	for _, ch := range order {
		send(ch)
	}
}

// Close unregisters the flush task.
func (d *DelayedChannels) Close() {
	d.tasks.Remove(d.handle)
}

func send(ch *channel.Channel) {
	if ch.IsDestroyed() {
		return
	}
	if err := ch.Send(nil); err != nil {
		util.LogDebug("%s %s: delayed send: %v", util.PeerTag(ch.Addr()), ch, err)
	}
}
