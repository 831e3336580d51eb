/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package callsession implements the call-lifecycle protocol both the PC and
// the phone run over a shared broadcast topic. There is no server-side
// arbiter; each peer is authoritative for its own state and stays consistent
// with the other side through the event contract in this package.
package callsession

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
)

var ErrUnsupportedEvent = errors.New("unsupported call event")

// StartCall asks the phone to open its dialer for an outgoing call, or
// replaces the current call context if one is already showing.
type StartCall struct {
	Direction     models.CallDirection `json:"direction"`
	CustomerName  string               `json:"customer_name"`
	CustomerPhone string               `json:"customer_phone"`
	CustomerRef   string               `json:"customer_ref,omitempty"`
}

// CallStarted is the phone's confirmation that the user actually initiated
// the call. Receipt is what authorizes recording to begin.
type CallStarted struct{}

// IncomingCall notifies the PC that the phone is ringing.
type IncomingCall struct {
	CallerName  string `json:"caller_name,omitempty"`
	CallerPhone string `json:"caller_phone"`
}

// EndCall terminates whatever call is in progress on the receiving side.
type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

// PCDisconnect forces the phone back to idle regardless of call stage.
type PCDisconnect struct{}

// ParseMessage validates and decodes a broadcast frame into its typed
// payload. Unknown events and malformed payloads are rejected here, before
// anything reaches the state machine.
func ParseMessage(msg events.Message) (any, error) {
	switch msg.Event {
	case events.EventStartCall:
		var payload StartCall
		if err := unmarshalData(msg.Data, &payload); err != nil {
			return nil, err
		}
		if payload.Direction != models.DirectionOutgoing && payload.Direction != models.DirectionIncoming {
			return nil, fmt.Errorf("start-call: invalid direction %q", payload.Direction)
		}
		if payload.CustomerPhone == "" {
			return nil, errors.New("start-call: customer phone required")
		}
		return payload, nil

	case events.EventCallStarted:
		return CallStarted{}, nil

	case events.EventIncomingCall:
		var payload IncomingCall
		if err := unmarshalData(msg.Data, &payload); err != nil {
			return nil, err
		}
		if payload.CallerPhone == "" {
			return nil, errors.New("incoming-call: caller phone required")
		}
		return payload, nil

	case events.EventEndCall:
		var payload EndCall
		if len(msg.Data) > 0 {
			if err := unmarshalData(msg.Data, &payload); err != nil {
				return nil, err
			}
		}
		return payload, nil

	case events.EventPCDisconnect:
		return PCDisconnect{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, msg.Event)
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
