/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

// connectTimeout is how long a viewer waits for either the connected state
// or a first remote track before giving up.
const connectTimeout = 20 * time.Second

var ErrViewerClosed = errors.New("viewer closed")

// iceBuffer holds remote ICE candidates that arrive before the answer. They
// are flushed in receipt order once the remote description is set; candidates
// are never dropped.
type iceBuffer struct {
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

// Add returns true when the candidate can be applied immediately, false when
// it was buffered for later.
func (b *iceBuffer) Add(c webrtc.ICECandidateInit) bool {
	if b.remoteSet {
		return true
	}
	b.pending = append(b.pending, c)
	return false
}

// Flush marks the remote description as set and returns the buffered
// candidates in the order they arrived.
func (b *iceBuffer) Flush() []webrtc.ICECandidateInit {
	b.remoteSet = true
	out := b.pending
	b.pending = nil
	return out
}

// Viewer is the receiving side of a monitoring session. It offers a
// recvonly video transceiver to one streamer and reports readiness through
// Connected().
type Viewer struct {
	id         string
	streamerID string
	cfg        Config
	channel    events.Channel
	logger     zerolog.Logger
	timeout    time.Duration

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	ice       iceBuffer
	connected bool
	failed    bool
	closed    bool
	sub       events.Subscriber
	done      chan struct{}
	deadline  *time.Timer

	// OnTrackData, when set before Start, receives remote track notifications.
	OnTrack func(*webrtc.TrackRemote)
}

// NewViewer creates a viewer addressing the given streamer's topic. Each
// viewer gets a fresh process-local id; ids are not persisted.
func NewViewer(streamerID string, cfg Config, channel events.Channel, logger zerolog.Logger) *Viewer {
	id := "viewer-" + uuid.NewString()[:8]
	return &Viewer{
		id:         id,
		streamerID: streamerID,
		cfg:        cfg,
		channel:    channel,
		timeout:    connectTimeout,
		logger:     logger.With().Str("component", "signaling-viewer").Str("viewer_id", id).Logger(),
	}
}

// ID returns the viewer's signaling id.
func (v *Viewer) ID() string { return v.id }

// Connected reports whether media is (or was) flowing.
func (v *Viewer) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Failed reports whether the viewer gave up before connecting.
func (v *Viewer) Failed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failed
}

// Start subscribes to the signaling topic, sends the offer, and arms the
// connect deadline. Close tears everything down on every path.
func (v *Viewer) Start() error {
	api, err := newAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: v.cfg.iceServers()})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("add recvonly transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		v.publish(events.EventICECandidate, SignalPayload{
			StreamerID: v.streamerID,
			ViewerID:   v.id,
			Candidate:  &candidate,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.logger.Debug().Str("state", state.String()).Msg("connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			v.markConnected()
		case webrtc.PeerConnectionStateFailed:
			v.markFailed("connection failed")
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// first media is as good as the connected state
		v.markConnected()
		if v.OnTrack != nil {
			v.OnTrack(track)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		pc.Close()
		return ErrViewerClosed
	}
	v.pc = pc
	v.sub = v.channel.Subscribe(events.SignalTopic(v.streamerID))
	v.done = make(chan struct{})
	v.deadline = time.AfterFunc(v.timeout, func() {
		v.markFailed("connect timeout")
	})
	v.mu.Unlock()

	go v.dispatch()

	v.publish(events.EventOffer, SignalPayload{
		StreamerID: v.streamerID,
		ViewerID:   v.id,
		SDP:        pc.LocalDescription(),
	})
	return nil
}

// Close releases the subscription, the deadline timer, and the peer
// connection. Safe to call more than once.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.deadline != nil {
		v.deadline.Stop()
		v.deadline = nil
	}
	sub := v.sub
	v.sub = nil
	pc := v.pc
	v.pc = nil
	done := v.done
	v.mu.Unlock()

	if sub != nil {
		v.channel.Unsubscribe(events.SignalTopic(v.streamerID), sub)
	}
	if done != nil {
		<-done
	}
	if pc != nil {
		pc.Close()
	}
}

func (v *Viewer) dispatch() {
	defer close(v.done)
	for msg := range v.sub {
		if msg.Sender == v.id {
			continue
		}
		payload, err := ParseSignal(msg)
		if err != nil {
			v.logger.Warn().Err(err).Str("event", msg.Event).Msg("rejected signaling frame")
			continue
		}
		if payload.ViewerID != v.id {
			continue // addressed to another viewer on this topic
		}

		switch msg.Event {
		case events.EventAnswer:
			v.handleAnswer(payload)
		case events.EventICECandidate:
			v.handleCandidate(payload)
		}
	}
}

func (v *Viewer) handleAnswer(payload SignalPayload) {
	v.mu.Lock()
	pc := v.pc
	v.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(*payload.SDP); err != nil {
		v.logger.Error().Err(err).Msg("set remote description")
		v.markFailed("bad answer")
		return
	}

	v.mu.Lock()
	buffered := v.ice.Flush()
	v.mu.Unlock()

	for _, c := range buffered {
		if err := pc.AddICECandidate(c); err != nil {
			v.logger.Warn().Err(err).Msg("apply buffered ICE candidate")
		}
	}
}

func (v *Viewer) handleCandidate(payload SignalPayload) {
	v.mu.Lock()
	pc := v.pc
	applyNow := v.ice.Add(*payload.Candidate)
	v.mu.Unlock()

	if !applyNow || pc == nil {
		return
	}
	if err := pc.AddICECandidate(*payload.Candidate); err != nil {
		v.logger.Warn().Err(err).Msg("add ICE candidate")
	}
}

// markConnected latches the connected flag and disarms the deadline. Both
// the connected state change and the first track call this; only the first
// caller has any effect.
func (v *Viewer) markConnected() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connected || v.closed {
		return
	}
	v.connected = true
	if v.deadline != nil {
		v.deadline.Stop()
		v.deadline = nil
	}
	v.logger.Info().Msg("viewer connected")
}

func (v *Viewer) markFailed(reason string) {
	v.mu.Lock()
	if v.connected || v.failed || v.closed {
		v.mu.Unlock()
		return
	}
	v.failed = true
	v.mu.Unlock()
	v.logger.Warn().Str("reason", reason).Msg("viewer failed")
}

func (v *Viewer) publish(event string, payload SignalPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		v.logger.Error().Err(err).Str("event", event).Msg("encode signaling frame")
		return
	}
	v.channel.Publish(events.SignalTopic(v.streamerID), events.Message{
		Event:  event,
		Sender: v.id,
		SentAt: time.Now(),
		Data:   data,
	})
}
