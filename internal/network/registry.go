package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/relnet/internal/channel"
	"github.com/1ureka/relnet/internal/util"
)

// registry maintains the address → channel and id → indexed-channel route
// tables. The receive path uses it to route every datagram to its channel.
// Only the dispatcher goroutine mutates it; the lock lets status readers
// such as the stats reporter count channels from elsewhere.
type registry struct {
	mu      sync.RWMutex
	byAddr  map[string]*channel.Channel
	indexed map[int32]*channel.Channel
}

func newRegistry() *registry {
	return &registry{
		byAddr:  make(map[string]*channel.Channel),
		indexed: make(map[int32]*channel.Channel),
	}
}

// lookup returns the non-indexed channel to addr.
func (r *registry) lookup(addr net.Addr) *channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[util.AddrKey(addr)]
}

// lookupIndexed returns indexed channel id.
func (r *registry) lookupIndexed(id int32) *channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexed[id]
}

// register adds ch. Two live channels claiming one address or one indexed
// id is a logic error in the caller.
func (r *registry) register(ch *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch.IsIndexed() {
		if old, ok := r.indexed[ch.ID()]; ok {
			panic(fmt.Sprintf("network: indexed channel id %d already used by %s", ch.ID(), old))
		}
		r.indexed[ch.ID()] = ch
		return
	}
	key := util.AddrKey(ch.Addr())
	if old, ok := r.byAddr[key]; ok {
		panic(fmt.Sprintf("network: address %s already used by %s", ch.Addr(), old))
	}
	r.byAddr[key] = ch
}

// unregister removes ch if it is the registered entry. It reports whether
// anything was removed.
func (r *registry) unregister(ch *channel.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch.IsIndexed() {
		if r.indexed[ch.ID()] != ch {
			return false
		}
		delete(r.indexed, ch.ID())
		return true
	}
	key := util.AddrKey(ch.Addr())
	if r.byAddr[key] != ch {
		return false
	}
	delete(r.byAddr, key)
	return true
}

// len counts registered channels.
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr) + len(r.indexed)
}

// all returns a snapshot of every registered channel.
func (r *registry) all() []*channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(r.byAddr)+len(r.indexed))
	for _, ch := range r.byAddr {
		out = append(out, ch)
	}
	for _, ch := range r.indexed {
		out = append(out, ch)
	}
	return out
}
