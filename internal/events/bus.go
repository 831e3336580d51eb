/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events provides the realtime broadcast channel abstraction shared
// by the pairing, call-session, and signaling layers. Delivery is at most
// once with no ordering guarantee across topics.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Broadcast event names carried on call topics.
const (
	EventStartCall    = "start-call"
	EventCallStarted  = "call-started"
	EventIncomingCall = "incoming-call"
	EventEndCall      = "end-call"
	EventPCDisconnect = "pc-disconnect"
)

// Broadcast event names carried on signaling topics.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// CallTopic names the call-lifecycle topic for a pairing session.
func CallTopic(pairingID string) string {
	return "call." + pairingID
}

// SignalTopic names the WebRTC signaling topic for a streamer.
func SignalTopic(streamerID string) string {
	return "signal." + streamerID
}

// Message is one broadcast frame. Seq is a monotonic per-topic sequence
// number added by the sender; receivers ignore frames whose Seq is not
// greater than the last one they applied.
type Message struct {
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Sender string          `json:"sender,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	SentAt time.Time       `json:"sent_at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Subscriber receives broadcast messages for one topic.
type Subscriber chan Message

// Channel is the pub/sub surface the coordinators depend on. Implementations
// are the in-process Bus and the distributed buses in internal/eventbus.
type Channel interface {
	Publish(topic string, msg Message)
	Subscribe(topic string) Subscriber
	Unsubscribe(topic string, sub Subscriber)
	Close() error
}

// Bus implements a simple in-process topic pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Subscriber)}
}

// Subscribe registers a subscriber for a topic.
func (b *Bus) Subscribe(topic string) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends msg to all current subscribers of the topic. Slow
// subscribers are skipped rather than blocked on. The lock is held across
// the sends so Unsubscribe and Close cannot close a channel mid-publish;
// the sends never block, so holding it is safe.
func (b *Bus) Publish(topic string, msg Message) {
	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		select {
		case sub <- msg:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = subs
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(b.subs, topic)
	}
	return nil
}
