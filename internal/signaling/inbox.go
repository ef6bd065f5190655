package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relnet/internal/transport"
)

// inbox feeds envelopes from the signaling socket into a Conn.
type inbox struct {
	conn *transport.Conn
	ws   *websocket.Conn
	out  *outbox
}

// run applies envelopes until the socket fails or is closed.
func (in *inbox) run() error {
	for {
		var e envelope
		if err := in.ws.ReadJSON(&e); err != nil {
			return fmt.Errorf("signaling socket: %w", err)
		}
		if err := in.apply(e); err != nil {
			return err
		}
	}
}

// apply handles one envelope. An offer is answered on the spot; unknown
// kinds are skipped.
func (in *inbox) apply(e envelope) error {
	switch e.Kind {
	case kindOffer, kindAnswer:
		t := webrtc.SDPTypeOffer
		if e.Kind == kindAnswer {
			t = webrtc.SDPTypeAnswer
		}
		if err := in.conn.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: e.SDP}); err != nil {
			return fmt.Errorf("remote %s: %w", e.Kind, err)
		}
		if t == webrtc.SDPTypeOffer {
			return in.out.describe(webrtc.SDPTypeAnswer)
		}

	case kindCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(e.Candidate), &init); err != nil {
			return fmt.Errorf("malformed ICE candidate: %w", err)
		}
		if err := in.conn.AddICECandidate(init); err != nil {
			return fmt.Errorf("remote ICE candidate: %w", err)
		}
	}
	return nil
}
