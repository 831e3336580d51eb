// Package signaling coordinates WebRTC offer/answer/ICE exchange between one
// streamer and its viewers over the realtime channel. The channel is the
// signaling transport; there is no dedicated signaling server.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

var (
	ErrNoActiveStream = errors.New("no active capture feed")
	ErrUnknownSignal  = errors.New("unknown signaling event")
)

// SignalPayload is the body of every signaling frame. Offers and answers
// carry SDP, ice-candidate frames carry Candidate; viewer_id addresses the
// exchange so a streamer can serve several viewers on one topic.
type SignalPayload struct {
	StreamerID string                     `json:"streamerId"`
	ViewerID   string                     `json:"viewerId"`
	SDP        *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// ParseSignal decodes and validates a signaling frame at the receive
// boundary. Frames missing the fields their event requires are rejected.
func ParseSignal(msg events.Message) (SignalPayload, error) {
	var p SignalPayload
	if len(msg.Data) == 0 {
		return p, fmt.Errorf("%s: empty payload", msg.Event)
	}
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", msg.Event, err)
	}
	if p.ViewerID == "" {
		return p, fmt.Errorf("%s: missing viewerId", msg.Event)
	}

	switch msg.Event {
	case events.EventOffer, events.EventAnswer:
		if p.SDP == nil || p.SDP.SDP == "" {
			return p, fmt.Errorf("%s: missing sdp", msg.Event)
		}
	case events.EventICECandidate:
		if p.Candidate == nil {
			return p, fmt.Errorf("%s: missing candidate", msg.Event)
		}
	default:
		return p, fmt.Errorf("%w: %s", ErrUnknownSignal, msg.Event)
	}
	return p, nil
}
