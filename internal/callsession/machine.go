/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package callsession

import (
	"errors"
	"time"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
)

// Stage is the call's position in its lifecycle, tracked independently per
// peer.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageRequested Stage = "requested"
	StageActive    Stage = "active"
	StageEnded     Stage = "ended"
)

// ErrStaleEvent marks a frame whose sequence number is not greater than the
// last applied one. Receivers ignore these instead of replaying them.
var ErrStaleEvent = errors.New("stale call event")

// CallContext describes the counterpart of the current call.
type CallContext struct {
	Direction     models.CallDirection
	CustomerName  string
	CustomerPhone string
	CustomerRef   string
	StartedAt     time.Time
	EndedAt       time.Time
}

// Hooks receive side effects the state machine authorizes. Implementations
// must be cheap; they run on the peer's dispatch goroutine.
type Hooks interface {
	// CallRequested fires on idle→requested (and when a newer start-call
	// replaces the context). Recording must NOT start here.
	CallRequested(call CallContext)

	// RecordingStart fires exactly once per call, on transition to active.
	RecordingStart(call CallContext)

	// RecordingStop fires when a call with recording in progress ends.
	RecordingStop(call CallContext)

	// CallEnded fires on any transition to ended.
	CallEnded(call CallContext)

	// Disconnected fires on pc-disconnect teardown.
	Disconnected()
}

// NopHooks is a no-op Hooks implementation for embedding in tests.
type NopHooks struct{}

func (NopHooks) CallRequested(CallContext)  {}
func (NopHooks) RecordingStart(CallContext) {}
func (NopHooks) RecordingStop(CallContext)  {}
func (NopHooks) CallEnded(CallContext)      {}
func (NopHooks) Disconnected()              {}

// Machine is one peer's reducer over the ordered stream of call events.
// It is not safe for concurrent use; the owning Peer serializes access.
type Machine struct {
	stage     Stage
	call      CallContext
	lastSeq   uint64
	recording bool
	hooks     Hooks
	now       func() time.Time
}

// NewMachine creates an idle machine.
func NewMachine(hooks Hooks) *Machine {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Machine{
		stage: StageIdle,
		hooks: hooks,
		now:   time.Now,
	}
}

// Stage returns the current lifecycle stage.
func (m *Machine) Stage() Stage { return m.stage }

// Call returns the current call context.
func (m *Machine) Call() CallContext { return m.call }

// LastSeq returns the sequence number of the last applied event.
func (m *Machine) LastSeq() uint64 { return m.lastSeq }

// Apply reduces one broadcast frame into the machine. Frames with a sequence
// number not greater than the last applied one return ErrStaleEvent and
// leave the state untouched.
func (m *Machine) Apply(msg events.Message) error {
	if msg.Seq != 0 && msg.Seq <= m.lastSeq {
		return ErrStaleEvent
	}

	payload, err := ParseMessage(msg)
	if err != nil {
		return err
	}

	if msg.Seq != 0 {
		m.lastSeq = msg.Seq
	}

	switch p := payload.(type) {
	case StartCall:
		// A start-call while requested/active replaces the local context
		// (newest sequence wins); stale duplicates were fenced above.
		m.call = CallContext{
			Direction:     p.Direction,
			CustomerName:  p.CustomerName,
			CustomerPhone: p.CustomerPhone,
			CustomerRef:   p.CustomerRef,
		}
		m.stage = StageRequested
		m.recording = false
		m.hooks.CallRequested(m.call)

	case IncomingCall:
		m.call = CallContext{
			Direction:     models.DirectionIncoming,
			CustomerName:  p.CallerName,
			CustomerPhone: p.CallerPhone,
		}
		m.stage = StageRequested
		m.recording = false
		m.hooks.CallRequested(m.call)

	case CallStarted:
		if m.stage != StageRequested && m.stage != StageActive {
			// call-started without a preceding request carries no context
			// to act on; ignore rather than invent local state.
			return nil
		}
		m.stage = StageActive
		if m.call.StartedAt.IsZero() {
			m.call.StartedAt = m.now()
		}
		// Duplicate call-started must not start a second recording.
		if !m.recording {
			m.recording = true
			m.hooks.RecordingStart(m.call)
		}

	case EndCall:
		if m.stage == StageIdle {
			return nil
		}
		m.end()

	case PCDisconnect:
		if m.stage != StageIdle {
			m.end()
		}
		m.stage = StageIdle
		m.call = CallContext{}
		m.hooks.Disconnected()
	}

	return nil
}

// Reset returns an ended machine to idle. The owning peer calls this after
// the display delay elapses.
func (m *Machine) Reset() {
	if m.stage != StageEnded {
		return
	}
	m.stage = StageIdle
	m.call = CallContext{}
}

func (m *Machine) end() {
	m.call.EndedAt = m.now()
	if m.recording {
		m.recording = false
		m.hooks.RecordingStop(m.call)
	}
	m.stage = StageEnded
	m.hooks.CallEnded(m.call)
}
