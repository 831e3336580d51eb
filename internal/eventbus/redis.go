/*
Copyright (C) 2026 MediLens AI

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus provides distributed backends for the realtime channel.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/telemetry"
)

// RedisBus implements a Redis-backed realtime channel for multi-instance
// deployments. Falls back to the in-memory bus when Redis is unavailable
// (circuit breaker).
type RedisBus struct {
	client   *redis.Client
	logger   zerolog.Logger
	fallback *events.Bus
	nodeID   string

	mu       sync.RWMutex
	subs     map[string][]events.Subscriber
	channels map[string]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	useFallback bool
	failCount   int
	maxFails    int
	lastCheck   time.Time
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFailures int
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:  5,
	}
}

// NewRedisBus creates a Redis-backed realtime channel.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis connection failed, using in-memory fallback")
		telemetry.ChannelFallbacksTotal.Inc()
		cancel()

		return &RedisBus{
			logger:      logger,
			fallback:    events.NewBus(),
			nodeID:      nodeID,
			useFallback: true,
			maxFails:    cfg.MaxFailures,
			subs:        make(map[string][]events.Subscriber),
			channels:    make(map[string]*redis.PubSub),
			ctx:         context.Background(),
		}, nil
	}

	rb := &RedisBus{
		client:   client,
		logger:   logger.With().Str("component", "redis-bus").Logger(),
		fallback: events.NewBus(),
		nodeID:   nodeID,
		maxFails: cfg.MaxFailures,
		subs:     make(map[string][]events.Subscriber),
		channels: make(map[string]*redis.PubSub),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info().Str("addr", cfg.Addr).Msg("Redis realtime channel initialized")

	return rb, nil
}

// Subscribe registers a subscriber for a topic.
func (rb *RedisBus) Subscribe(topic string) events.Subscriber {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.useFallback {
		return rb.fallback.Subscribe(topic)
	}

	sub := make(events.Subscriber, 64)
	rb.subs[topic] = append(rb.subs[topic], sub)

	if _, exists := rb.channels[topic]; !exists {
		pubsub := rb.client.Subscribe(rb.ctx, topic)
		rb.channels[topic] = pubsub

		rb.wg.Add(1)
		go rb.receiveMessages(topic, pubsub)
	}

	return sub
}

// receiveMessages handles incoming Redis pub/sub messages for one topic.
func (rb *RedisBus) receiveMessages(topic string, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()

	for {
		select {
		case <-rb.ctx.Done():
			return

		case raw, ok := <-ch:
			if !ok {
				rb.logger.Warn().Str("topic", topic).Msg("Redis channel closed")
				rb.handleFailure()
				return
			}

			msg, err := unmarshalWireMessage([]byte(raw.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
				continue
			}

			// Skip messages from ourselves; Publish already delivered them
			// to local subscribers.
			if msg.NodeID == rb.nodeID {
				continue
			}

			rb.mu.RLock()
			subs := append([]events.Subscriber(nil), rb.subs[topic]...)
			rb.mu.RUnlock()

			for _, sub := range subs {
				select {
				case sub <- msg.Message:
				default:
					rb.logger.Warn().Str("topic", topic).Msg("subscriber channel full, dropping event")
				}
			}
		}
	}
}

// Publish sends msg to all subscribers, local and remote.
func (rb *RedisBus) Publish(topic string, msg events.Message) {
	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	// Local subscribers first.
	rb.mu.RLock()
	useFallback := rb.useFallback
	subs := append([]events.Subscriber(nil), rb.subs[topic]...)
	rb.mu.RUnlock()

	if useFallback {
		rb.fallback.Publish(topic, msg)
		return
	}

	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
		}
	}

	data, err := marshalWireMessage(msg, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()

	if err := rb.client.Publish(ctx, topic, data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("topic", topic).Msg("failed to publish to Redis")
		rb.handleFailure()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Unsubscribe removes a subscriber.
func (rb *RedisBus) Unsubscribe(topic string, sub events.Subscriber) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.useFallback {
		rb.fallback.Unsubscribe(topic, sub)
		return
	}

	subs := rb.subs[topic]
	for i, s := range subs {
		if s == sub {
			rb.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(rb.subs[topic]) == 0 {
		delete(rb.subs, topic)
		if pubsub, exists := rb.channels[topic]; exists {
			pubsub.Close()
			delete(rb.channels, topic)
		}
	}
}

// Close closes the Redis connection and all subscriptions.
func (rb *RedisBus) Close() error {
	if rb.cancel != nil {
		rb.cancel()
	}

	rb.wg.Wait()

	rb.mu.Lock()
	for topic, pubsub := range rb.channels {
		pubsub.Close()
		delete(rb.channels, topic)
	}
	for topic, subs := range rb.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(rb.subs, topic)
	}
	rb.mu.Unlock()

	rb.fallback.Close()

	if rb.client != nil {
		if err := rb.client.Close(); err != nil {
			rb.logger.Error().Err(err).Msg("failed to close Redis client")
			return err
		}
	}

	return nil
}

// handleFailure implements circuit breaker logic.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++

	if rb.failCount >= rb.maxFails && !rb.useFallback {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis failure threshold reached, switching to in-memory fallback")

		rb.useFallback = true
		rb.lastCheck = time.Now()
		telemetry.ChannelFallbacksTotal.Inc()

		if rb.client != nil {
			rb.client.Close()
		}
	}
}

// wireMessage wraps an events.Message with the publishing node id so
// receivers can suppress their own echoes.
type wireMessage struct {
	NodeID  string         `json:"node_id"`
	Message events.Message `json:"message"`
}

func marshalWireMessage(msg events.Message, nodeID string) ([]byte, error) {
	return json.Marshal(wireMessage{NodeID: nodeID, Message: msg})
}

func unmarshalWireMessage(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
