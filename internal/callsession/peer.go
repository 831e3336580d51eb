/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package callsession

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

// Role identifies which end of the pairing a peer is.
type Role string

const (
	RolePC    Role = "pc"
	RolePhone Role = "phone"
)

// endedDisplayDelay is how long the ended stage is shown before the peer
// falls back to idle.
const endedDisplayDelay = 2 * time.Second

var (
	ErrNotStarted  = errors.New("peer not started")
	ErrWrongRole   = errors.New("event not permitted for this role")
	ErrCallPending = errors.New("no call in requested stage")
)

// Peer binds a call state machine to the pairing's broadcast topic. It owns
// the subscription, serializes all state access through one goroutine plus a
// mutex for the emit path, and schedules the ended→idle display reset.
//
// Start returns a disposer; callers hold it and invoke it deterministically
// on teardown (navigation away included) so no timer or subscription leaks.
type Peer struct {
	role      Role
	pairingID string
	id        string
	channel   events.Channel
	logger    zerolog.Logger

	resetDelay time.Duration

	mu         sync.Mutex
	machine    *Machine
	sub        events.Subscriber
	done       chan struct{}
	started    bool
	resetTimer *time.Timer
}

// NewPeer creates a peer for one end of a pairing session.
func NewPeer(role Role, pairingID string, channel events.Channel, hooks Hooks, logger zerolog.Logger) *Peer {
	return &Peer{
		role:       role,
		pairingID:  pairingID,
		id:         string(role) + "-" + uuid.NewString()[:8],
		channel:    channel,
		machine:    NewMachine(hooks),
		logger:     logger.With().Str("component", "call-peer").Str("role", string(role)).Logger(),
		resetDelay: endedDisplayDelay,
	}
}

// Start subscribes to the call topic and begins dispatching. The returned
// stop function cancels the subscription and any pending timers; calling it
// more than once is safe.
func (p *Peer) Start() (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil, errors.New("peer already started")
	}
	p.started = true
	p.sub = p.channel.Subscribe(events.CallTopic(p.pairingID))
	p.done = make(chan struct{})

	go p.dispatch()

	var once sync.Once
	return func() { once.Do(p.stop) }, nil
}

func (p *Peer) stop() {
	p.mu.Lock()
	if p.resetTimer != nil {
		p.resetTimer.Stop()
		p.resetTimer = nil
	}
	sub := p.sub
	p.sub = nil
	p.started = false
	p.mu.Unlock()

	if sub != nil {
		p.channel.Unsubscribe(events.CallTopic(p.pairingID), sub)
	}
	<-p.done
}

func (p *Peer) dispatch() {
	defer close(p.done)
	for msg := range p.sub {
		if msg.Sender == p.id {
			continue // own echo; already applied on emit
		}
		p.mu.Lock()
		err := p.machine.Apply(msg)
		stage := p.machine.Stage()
		p.mu.Unlock()

		switch {
		case errors.Is(err, ErrStaleEvent):
			p.logger.Debug().Uint64("seq", msg.Seq).Str("event", msg.Event).Msg("ignoring stale event")
		case err != nil:
			p.logger.Warn().Err(err).Str("event", msg.Event).Msg("rejected call event")
		}

		if stage == StageEnded {
			p.scheduleReset()
		}
	}
}

// Stage returns the current lifecycle stage.
func (p *Peer) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Stage()
}

// Call returns the current call context.
func (p *Peer) Call() CallContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Call()
}

// StartCall emits start-call with the given counterpart. PC side only.
func (p *Peer) StartCall(req StartCall) error {
	if p.role != RolePC {
		return ErrWrongRole
	}
	return p.emit(events.EventStartCall, req)
}

// ConfirmStarted emits call-started after the user confirmed the dialer
// action. Phone side only; this is what authorizes recording on the PC.
func (p *Peer) ConfirmStarted() error {
	if p.role != RolePhone {
		return ErrWrongRole
	}
	if p.Stage() != StageRequested {
		return ErrCallPending
	}
	return p.emit(events.EventCallStarted, CallStarted{})
}

// ReportIncoming emits incoming-call for an inbound ring. Phone side only.
func (p *Peer) ReportIncoming(caller IncomingCall) error {
	if p.role != RolePhone {
		return ErrWrongRole
	}
	return p.emit(events.EventIncomingCall, caller)
}

// EndCall emits end-call. Either side may end a call.
func (p *Peer) EndCall(reason string) error {
	return p.emit(events.EventEndCall, EndCall{Reason: reason})
}

// emit applies the event locally, then broadcasts it tagged with the next
// sequence number. Local state never changes without a broadcast being sent.
func (p *Peer) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	msg := events.Message{
		Event:  event,
		Sender: p.id,
		Seq:    p.machine.LastSeq() + 1,
		SentAt: time.Now(),
		Data:   data,
	}
	if err := p.machine.Apply(msg); err != nil && !errors.Is(err, ErrStaleEvent) {
		p.mu.Unlock()
		return err
	}
	stage := p.machine.Stage()
	p.mu.Unlock()

	p.channel.Publish(events.CallTopic(p.pairingID), msg)

	if stage == StageEnded {
		p.scheduleReset()
	}
	return nil
}

// scheduleReset arms the ended→idle display delay, replacing any pending
// reset.
func (p *Peer) scheduleReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetTimer != nil {
		p.resetTimer.Stop()
	}
	p.resetTimer = time.AfterFunc(p.resetDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.machine.Reset()
	})
}
