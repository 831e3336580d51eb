/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// Config holds the transport settings shared by streamer and viewer peers.
type Config struct {
	RTPPort      int    // UDP port the streamer ingests capture RTP on (default: 5004)
	STUNServer   string // STUN server URL
	TURNServer   string // TURN server URL (optional)
	TURNUsername string
	TURNPassword string
}

// newAPI builds a pion API with a VP8-only MediaEngine and a PLI interval
// interceptor so viewers keep receiving keyframes.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8 codec: %w", err)
	}

	reg := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	reg.Add(pli)

	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg)), nil
}

// iceServers translates the config into a pion ICE server list.
func (c Config) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if c.STUNServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{c.STUNServer}})
	}
	if c.TURNServer != "" {
		turn := webrtc.ICEServer{URLs: []string{c.TURNServer}}
		if c.TURNUsername != "" {
			turn.Username = c.TURNUsername
			turn.Credential = c.TURNPassword
			turn.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, turn)
	}
	return servers
}
