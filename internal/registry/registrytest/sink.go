// Package registrytest provides an in-memory connection sink for tests.
package registrytest

import (
	"encoding/json"
	"sync"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

// Event is a decoded frame with the payload left raw.
type Event struct {
	Kind      domain.EventKind `json:"type"`
	Ref       string           `json:"ref"`
	RoomID    domain.RoomID    `json:"room_id"`
	UserID    domain.UserID    `json:"user_id"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp string           `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Sink records every frame it is sent. Setting Full makes Send report a slow
// consumer.
type Sink struct {
	mu          sync.Mutex
	events      []Event
	full        bool
	closed      bool
	closeReason string
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return domain.ErrSlowConsumer
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *Sink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
}

func (s *Sink) SetFull(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
}

func (s *Sink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Of returns the recorded events of one kind in arrival order.
func (s *Sink) Of(kind domain.EventKind) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Sink) Kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range s.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *Sink) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}
