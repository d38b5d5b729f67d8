package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	RelayChannel = "realtime:relay"

	outboxSize     = 1024
	publishTimeout = 2 * time.Second
)

// ErrRelayBacklog is returned when the outbox is full and the envelope dropped.
var ErrRelayBacklog = errors.New("relay outbox full")

// Handler delivers a peer's envelope to local connections.
type Handler = func(env domain.Envelope)

// Relay publishes envelopes tagged with this node's id and hands envelopes
// from other nodes to the handler registered for their scope. Publishing goes
// through a bounded outbox drained by Run, so callers holding delivery locks
// never wait on Redis.
type Relay struct {
	rdb     *goredis.Client
	nodeID  string
	channel string
	outbox  chan domain.Envelope

	mu       sync.RWMutex
	handlers map[domain.Scope]Handler
}

var _ domain.Relay = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, nodeID string) *Relay {
	return &Relay{
		rdb:      rdb,
		nodeID:   nodeID,
		channel:  RelayChannel,
		outbox:   make(chan domain.Envelope, outboxSize),
		handlers: make(map[domain.Scope]Handler),
	}
}

func (r *Relay) Handle(scope domain.Scope, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[scope] = h
}

// Publish queues env and returns immediately. A full outbox drops the
// envelope; peers miss it, local delivery is unaffected.
func (r *Relay) Publish(_ context.Context, env domain.Envelope) error {
	if env.Origin == "" {
		env.Origin = r.nodeID
	}
	select {
	case r.outbox <- env:
		return nil
	default:
		metrics.RelayPublishedTotal.WithLabelValues(string(env.Scope), "dropped").Inc()
		return ErrRelayBacklog
	}
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case env := <-r.outbox:
			if err := r.publish(ctx, env); err != nil && ctx.Err() == nil {
				slog.Warn("Relay publish failed", "scope", env.Scope, "type", env.Event.Kind, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.RelayPublishedTotal.WithLabelValues(string(env.Scope), "error").Inc()
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		metrics.RelayPublishedTotal.WithLabelValues(string(env.Scope), "error").Inc()
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	metrics.RelayPublishedTotal.WithLabelValues(string(env.Scope), "success").Inc()
	return nil
}

// Run subscribes, then publishes queued envelopes and dispatches received
// ones until ctx ends. If ready is non-nil it is closed once the subscription
// is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("Relay subscribed", "channel", r.channel, "node_id", r.nodeID)

	var wg sync.WaitGroup
	defer wg.Wait()
	pubCtx, stop := context.WithCancel(ctx)
	defer stop()
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drain(pubCtx)
	}()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) dispatch(payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		slog.Warn("Dropping malformed relay message", "error", err)
		return
	}
	if env.Origin == r.nodeID {
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Scope]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("No relay handler for scope", "scope", env.Scope)
		return
	}

	metrics.RelayReceivedTotal.WithLabelValues(string(env.Scope)).Inc()
	h(env)
}

// decodeEnvelope keeps numbers in the payload exact so ids survive the trip.
func decodeEnvelope(payload string) (domain.Envelope, error) {
	var env domain.Envelope
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return env, err
	}
	return env, nil
}
