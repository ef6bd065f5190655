package signaling

// envelopeKind tags what an envelope carries.
type envelopeKind string

const (
	kindOffer     envelopeKind = "offer"
	kindAnswer    envelopeKind = "answer"
	kindCandidate envelopeKind = "candidate"
)

// envelope is one JSON frame on the signaling socket. Candidate holds a
// marshalled webrtc.ICECandidateInit.
type envelope struct {
	Kind      envelopeKind `json:"type"`
	SDP       string       `json:"sdp,omitempty"`
	Candidate string       `json:"candidate,omitempty"`
}
