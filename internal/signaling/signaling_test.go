package signaling

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

func signalMsg(t *testing.T, event string, p SignalPayload) events.Message {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.Message{Event: event, Data: data}
}

func TestParseSignal(t *testing.T) {
	sdp := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	candidate := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}

	valid := []events.Message{
		signalMsg(t, events.EventOffer, SignalPayload{StreamerID: "s1", ViewerID: "v1", SDP: sdp}),
		signalMsg(t, events.EventAnswer, SignalPayload{StreamerID: "s1", ViewerID: "v1", SDP: sdp}),
		signalMsg(t, events.EventICECandidate, SignalPayload{StreamerID: "s1", ViewerID: "v1", Candidate: candidate}),
	}
	for _, msg := range valid {
		if _, err := ParseSignal(msg); err != nil {
			t.Fatalf("%s: %v", msg.Event, err)
		}
	}

	invalid := []events.Message{
		{Event: events.EventOffer},
		signalMsg(t, events.EventOffer, SignalPayload{ViewerID: "v1"}),
		signalMsg(t, events.EventOffer, SignalPayload{StreamerID: "s1", SDP: sdp}),
		signalMsg(t, events.EventICECandidate, SignalPayload{ViewerID: "v1"}),
		signalMsg(t, "renegotiate", SignalPayload{ViewerID: "v1", SDP: sdp}),
		{Event: events.EventOffer, Data: json.RawMessage(`{`)},
	}
	for i, msg := range invalid {
		if _, err := ParseSignal(msg); err == nil {
			t.Fatalf("case %d (%s): expected error", i, msg.Event)
		}
	}
}

func TestICEBuffer_HoldsUntilFlush(t *testing.T) {
	var buf iceBuffer

	var got []webrtc.ICECandidateInit
	for i := 0; i < 5; i++ {
		c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate-%d", i)}
		if buf.Add(c) {
			got = append(got, c)
		}
	}
	if len(got) != 0 {
		t.Fatalf("candidates applied before answer: %d", len(got))
	}

	flushed := buf.Flush()
	if len(flushed) != 5 {
		t.Fatalf("expected 5 buffered candidates, got %d", len(flushed))
	}
	for i, c := range flushed {
		want := fmt.Sprintf("candidate-%d", i)
		if c.Candidate != want {
			t.Fatalf("candidate %d out of order: got %q want %q", i, c.Candidate, want)
		}
	}
}

func TestICEBuffer_DirectAfterFlush(t *testing.T) {
	var buf iceBuffer
	buf.Add(webrtc.ICECandidateInit{Candidate: "early"})
	buf.Flush()

	if !buf.Add(webrtc.ICECandidateInit{Candidate: "late"}) {
		t.Fatal("candidates after the answer must apply immediately")
	}
	if len(buf.Flush()) != 0 {
		t.Fatal("second flush must be empty")
	}
}

func TestStreamer_IgnoresOfferWithoutCapture(t *testing.T) {
	err := func() error {
		s := &Streamer{viewers: make(map[string]*viewerConn)}
		return s.handleOffer(SignalPayload{
			StreamerID: "s1",
			ViewerID:   "v1",
			SDP:        &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		})
	}()
	if err != ErrNoActiveStream {
		t.Fatalf("expected ErrNoActiveStream, got %v", err)
	}
}
