package network

import (
	"github.com/1ureka/relnet/internal/util"
)

// checkIrregular polls the resend timers of channels that do not send every
// tick. A channel leaves the set once nothing is unacknowledged.
func (i *Interface) checkIrregular() {
	for ch := range i.irregular {
		if ch.IsDestroyed() || !ch.HasUnacked() {
			delete(i.irregular, ch)
			continue
		}
		ch.CheckResendTimers()
	}
}

// checkCondemned destroys condemned channels once drained, once their peer
// has failed, or after CondemnTimeout.
func (i *Interface) checkCondemned() {
	now := i.clock.Now()
	for ch, since := range i.condemned {
		switch {
		case !ch.HasUnacked():
		case ch.HasRemoteFailed():
		case now.Sub(since) > i.opts.CondemnTimeout:
			util.LogWarning("%s %s: condemned with %d unacked, giving up",
				util.PeerTag(ch.Addr()), ch, ch.NumUnacked())
		default:
			continue
		}
		i.DestroyChannel(ch)
	}
}

// checkKeepAlives pings idle keep-alive channels and ends silent ones: an
// anonymous channel is destroyed, a claimed one is marked remote-failed and
// left for its owner to deal with.
func (i *Interface) checkKeepAlives() {
	now := i.clock.Now()
	for ch := range i.keepAlive {
		if ch.IsDestroyed() {
			delete(i.keepAlive, ch)
			continue
		}
		if now.Sub(ch.LastReceivedTime()) > i.opts.InactivityTimeout {
			delete(i.keepAlive, ch)
			if ch.IsAnonymous() {
				util.LogInfo("%s %s: timed out", util.PeerTag(ch.Addr()), ch)
				i.DestroyChannel(ch)
			} else {
				ch.SetRemoteFailed()
			}
			continue
		}
		if now.Sub(ch.LastSentTime()) >= i.opts.KeepAliveInterval {
			ch.Bundle().SetReliable()
			if err := ch.Send(nil); err != nil {
				util.LogDebug("%s %s: keep-alive: %v", util.PeerTag(ch.Addr()), ch, err)
			}
		}
	}
}
