package signaling

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relnet/internal/transport"
)

// outbox writes envelopes for one Conn. Candidates arrive on pion's
// goroutines, so writes are serialized.
type outbox struct {
	conn *transport.Conn
	ws   *websocket.Conn
	mu   sync.Mutex
}

func (o *outbox) post(e envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ws.WriteJSON(e)
}

// describe creates the local offer or answer, installs it and posts it.
func (o *outbox) describe(t webrtc.SDPType) error {
	var sdp webrtc.SessionDescription
	var err error
	kind := kindOffer
	if t == webrtc.SDPTypeAnswer {
		kind = kindAnswer
		sdp, err = o.conn.CreateAnswer()
	} else {
		sdp, err = o.conn.CreateOffer()
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", kind, err)
	}
	if err := o.conn.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("install local %s: %w", kind, err)
	}
	return o.post(envelope{Kind: kind, SDP: sdp.SDP})
}

func (o *outbox) candidate(init string) error {
	return o.post(envelope{Kind: kindCandidate, Candidate: init})
}
