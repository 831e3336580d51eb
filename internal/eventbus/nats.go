/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

// subjectPrefix namespaces bus topics within a shared NATS deployment.
const subjectPrefix = "callflow.topic."

// NATSBus implements a NATS-backed realtime channel.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	nodeID string

	mu   sync.Mutex
	subs map[string]*topicSubscription
}

type topicSubscription struct {
	natsSub *nats.Subscription
	subs    []events.Subscriber
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus connects to NATS and returns a realtime channel backed by it.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info().Str("url", cfg.URL).Msg("NATS realtime channel initialized")

	return &NATSBus{
		conn:   conn,
		logger: logger.With().Str("component", "nats-bus").Logger(),
		nodeID: nodeID,
		subs:   make(map[string]*topicSubscription),
	}, nil
}

func subjectFor(topic string) string {
	// NATS subjects use "." as a hierarchy separator; topic ids are opaque.
	return subjectPrefix + strings.ReplaceAll(topic, ".", "_")
}

// Subscribe registers a subscriber for a topic.
func (nb *NATSBus) Subscribe(topic string) events.Subscriber {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	sub := make(events.Subscriber, 64)

	ts, exists := nb.subs[topic]
	if !exists {
		ts = &topicSubscription{}
		natsSub, err := nb.conn.Subscribe(subjectFor(topic), func(m *nats.Msg) {
			nb.deliver(topic, m.Data)
		})
		if err != nil {
			nb.logger.Error().Err(err).Str("topic", topic).Msg("NATS subscribe failed")
		} else {
			ts.natsSub = natsSub
		}
		nb.subs[topic] = ts
	}

	ts.subs = append(ts.subs, sub)
	return sub
}

func (nb *NATSBus) deliver(topic string, data []byte) {
	msg, err := unmarshalWireMessage(data)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to unmarshal NATS message")
		return
	}
	if msg.NodeID == nb.nodeID {
		return
	}

	nb.mu.Lock()
	var subs []events.Subscriber
	if ts, ok := nb.subs[topic]; ok {
		subs = append(subs, ts.subs...)
	}
	nb.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- msg.Message:
		default:
			nb.logger.Warn().Str("topic", topic).Msg("subscriber channel full, dropping event")
		}
	}
}

// Publish sends msg to all subscribers, local and remote.
func (nb *NATSBus) Publish(topic string, msg events.Message) {
	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	nb.mu.Lock()
	var subs []events.Subscriber
	if ts, ok := nb.subs[topic]; ok {
		subs = append(subs, ts.subs...)
	}
	nb.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
		}
	}

	data, err := marshalWireMessage(msg, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}

	if err := nb.conn.Publish(subjectFor(topic), data); err != nil {
		nb.logger.Error().Err(err).Str("topic", topic).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(topic string, sub events.Subscriber) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	ts, ok := nb.subs[topic]
	if !ok {
		return
	}

	for i, s := range ts.subs {
		if s == sub {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(ts.subs) == 0 {
		if ts.natsSub != nil {
			_ = ts.natsSub.Unsubscribe()
		}
		delete(nb.subs, topic)
	}
}

// Close drains the NATS connection and all subscriptions.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	for topic, ts := range nb.subs {
		if ts.natsSub != nil {
			_ = ts.natsSub.Unsubscribe()
		}
		for _, sub := range ts.subs {
			close(sub)
		}
		delete(nb.subs, topic)
	}
	nb.mu.Unlock()

	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}
