/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
)

// Streamer is the broadcasting side of a monitoring session. It ingests the
// local capture feed as RTP on a UDP port, fans it out through one shared
// video track, and answers viewer offers arriving on its signaling topic.
// One streamer serves any number of viewers; viewers never talk to each
// other.
type Streamer struct {
	id       string
	senderID string
	cfg      Config
	channel  events.Channel
	logger   zerolog.Logger
	api      *webrtc.API
	track    *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	viewers map[string]*viewerConn
	sub     events.Subscriber
	done    chan struct{}
	started bool

	rtpConn   *net.UDPConn
	rtpCancel context.CancelFunc
	capturing bool

	// RTP header rewriting keeps one continuous stream across capture
	// restarts.
	seqNum       uint16
	lastInSeq    uint16
	tsOffset     uint32
	lastOutTS    uint32
	seqInit      bool
	ssrc         uint32
	activeSource string
	lastSourceAt time.Time
}

type viewerConn struct {
	id string
	pc *webrtc.PeerConnection
}

// NewStreamer creates a streamer for the given signaling topic id.
func NewStreamer(id string, cfg Config, channel events.Channel, logger zerolog.Logger) (*Streamer, error) {
	if cfg.RTPPort == 0 {
		cfg.RTPPort = 5004
	}
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"callflow-capture",
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	return &Streamer{
		id:       id,
		senderID: "streamer-" + id,
		cfg:      cfg,
		channel:  channel,
		api:      api,
		track:    track,
		viewers:  make(map[string]*viewerConn),
		ssrc:     0x43464d53,
		logger:   logger.With().Str("component", "signaling-streamer").Str("streamer_id", id).Logger(),
	}, nil
}

// Start subscribes to the signaling topic and begins answering offers. The
// returned stop function tears down the subscription, the capture feed, and
// every viewer connection; calling it more than once is safe.
func (s *Streamer) Start() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, errors.New("streamer already started")
	}
	s.started = true
	s.sub = s.channel.Subscribe(events.SignalTopic(s.id))
	s.done = make(chan struct{})

	go s.dispatch()

	var once sync.Once
	return func() { once.Do(s.stop) }, nil
}

func (s *Streamer) stop() {
	s.StopCapture()

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.started = false
	viewers := s.viewers
	s.viewers = make(map[string]*viewerConn)
	s.mu.Unlock()

	for _, v := range viewers {
		v.pc.Close()
	}
	if sub != nil {
		s.channel.Unsubscribe(events.SignalTopic(s.id), sub)
	}
	<-s.done
}

// StartCapture opens the RTP ingest port and begins feeding the shared
// track. Offers are only answered while a capture feed is active.
func (s *Streamer) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capturing {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.RTPPort})
	if err != nil {
		return fmt.Errorf("listen UDP %d: %w", s.cfg.RTPPort, err)
	}
	s.rtpConn = conn

	rtpCtx, cancel := context.WithCancel(ctx)
	s.rtpCancel = cancel
	s.capturing = true
	s.activeSource = ""

	s.logger.Info().Int("port", s.cfg.RTPPort).Msg("capture feed started")
	go s.readRTP(rtpCtx, conn)

	return nil
}

// StopCapture closes the ingest port and disconnects every viewer. Viewers
// reconnect by offering again once a new feed is up.
func (s *Streamer) StopCapture() {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return
	}
	s.capturing = false
	if s.rtpCancel != nil {
		s.rtpCancel()
		s.rtpCancel = nil
	}
	if s.rtpConn != nil {
		s.rtpConn.Close()
		s.rtpConn = nil
	}
	viewers := s.viewers
	s.viewers = make(map[string]*viewerConn)
	s.mu.Unlock()

	for _, v := range viewers {
		v.pc.Close()
	}
	telemetry.StreamViewers.Set(0)
	s.logger.Info().Msg("capture feed stopped")
}

// Capturing reports whether an ingest feed is active.
func (s *Streamer) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// ViewerCount returns the number of connected viewer peers.
func (s *Streamer) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Streamer) dispatch() {
	defer close(s.done)
	for msg := range s.sub {
		if msg.Sender == s.senderID {
			continue
		}
		payload, err := ParseSignal(msg)
		if err != nil {
			s.logger.Warn().Err(err).Str("event", msg.Event).Msg("rejected signaling frame")
			continue
		}

		switch msg.Event {
		case events.EventOffer:
			if err := s.handleOffer(payload); err != nil {
				if errors.Is(err, ErrNoActiveStream) {
					s.logger.Debug().Str("viewer_id", payload.ViewerID).Msg("offer ignored, no capture feed")
				} else {
					s.logger.Error().Err(err).Str("viewer_id", payload.ViewerID).Msg("offer failed")
				}
			}
		case events.EventICECandidate:
			s.handleCandidate(payload)
		}
		// answers on this topic are ours; nothing else to do
	}
}

// handleOffer answers one viewer's offer with the shared track attached.
// Offers arriving while no capture feed is active are ignored; the viewer
// is expected to retry after the streamer starts.
func (s *Streamer) handleOffer(payload SignalPayload) error {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return ErrNoActiveStream
	}
	prev := s.viewers[payload.ViewerID]
	delete(s.viewers, payload.ViewerID)
	s.mu.Unlock()
	if prev != nil {
		// a re-offer from the same viewer replaces its connection
		prev.pc.Close()
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.iceServers()})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	if _, err := pc.AddTrack(s.track); err != nil {
		pc.Close()
		return fmt.Errorf("add track: %w", err)
	}

	viewerID := payload.ViewerID
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		s.publish(events.EventICECandidate, SignalPayload{
			StreamerID: s.id,
			ViewerID:   viewerID,
			Candidate:  &candidate,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug().Str("viewer_id", viewerID).Str("state", state.String()).Msg("viewer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.removeViewer(viewerID)
		}
	})

	if err := pc.SetRemoteDescription(*payload.SDP); err != nil {
		pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		pc.Close()
		return ErrNoActiveStream
	}
	s.viewers[viewerID] = &viewerConn{id: viewerID, pc: pc}
	count := len(s.viewers)
	s.mu.Unlock()
	telemetry.StreamViewers.Set(float64(count))

	s.publish(events.EventAnswer, SignalPayload{
		StreamerID: s.id,
		ViewerID:   viewerID,
		SDP:        pc.LocalDescription(),
	})
	s.logger.Info().Str("viewer_id", viewerID).Int("viewers", count).Msg("viewer answered")
	return nil
}

func (s *Streamer) handleCandidate(payload SignalPayload) {
	s.mu.Lock()
	v, ok := s.viewers[payload.ViewerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := v.pc.AddICECandidate(*payload.Candidate); err != nil {
		s.logger.Warn().Err(err).Str("viewer_id", payload.ViewerID).Msg("add ICE candidate failed")
	}
}

// removeViewer drops and closes one viewer connection. No retry; the viewer
// initiates a fresh offer if it wants back in.
func (s *Streamer) removeViewer(viewerID string) {
	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	if ok {
		delete(s.viewers, viewerID)
	}
	count := len(s.viewers)
	s.mu.Unlock()

	if ok {
		v.pc.Close()
		telemetry.StreamViewers.Set(float64(count))
		s.logger.Info().Str("viewer_id", viewerID).Int("viewers", count).Msg("viewer removed")
	}
}

func (s *Streamer) publish(event string, payload SignalPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode signaling frame")
		return
	}
	s.channel.Publish(events.SignalTopic(s.id), events.Message{
		Event:  event,
		Sender: s.senderID,
		SentAt: time.Now(),
		Data:   data,
	})
}

// readRTP pumps ingest packets into the shared track, rewriting sequence
// numbers and timestamps so viewers see one continuous stream across
// capture pipeline restarts.
func (s *Streamer) readRTP(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	const sourceStaleAfter = 300 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("RTP read error")
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Debug().Err(err).Msg("invalid RTP packet")
			continue
		}

		now := time.Now()
		s.mu.Lock()
		source := ""
		if addr != nil {
			source = addr.String()
		}

		// Lock onto a single sender. Prevents interleaving when two capture
		// pipelines briefly overlap on the same port.
		if s.activeSource == "" {
			s.activeSource = source
			s.lastSourceAt = now
			s.logger.Info().Str("source", source).Msg("RTP source locked")
		} else if source != "" && source != s.activeSource {
			if now.Sub(s.lastSourceAt) < sourceStaleAfter {
				s.mu.Unlock()
				continue
			}
			s.logger.Info().Str("old_source", s.activeSource).Str("new_source", source).Msg("RTP source switched")
			s.activeSource = source
			s.lastSourceAt = now
		} else {
			s.lastSourceAt = now
		}

		if !s.seqInit {
			s.seqInit = true
			s.lastInSeq = packet.SequenceNumber
			s.lastOutTS = packet.Timestamp
		} else {
			seqDiff := int(packet.SequenceNumber) - int(s.lastInSeq)
			if seqDiff < -30000 || seqDiff > 30000 || (seqDiff < 0 && seqDiff > -100) {
				// restart of the capture pipeline; bridge with a one-frame
				// gap at the 90kHz video clock
				s.tsOffset = s.lastOutTS + 3000 - packet.Timestamp
				s.logger.Info().
					Uint16("old_seq", s.lastInSeq).
					Uint16("new_seq", packet.SequenceNumber).
					Msg("RTP discontinuity, rebasing timestamps")
			}
			s.lastInSeq = packet.SequenceNumber
		}

		s.seqNum++
		packet.SequenceNumber = s.seqNum
		packet.Timestamp += s.tsOffset
		packet.SSRC = s.ssrc
		s.lastOutTS = packet.Timestamp
		s.mu.Unlock()

		out, err := packet.Marshal()
		if err != nil {
			continue
		}
		if _, err := s.track.Write(out); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug().Err(err).Msg("track write error")
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
