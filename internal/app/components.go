package app

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/fanout"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/retry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/presence"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/rooms"
	"github.com/jschvat/posting-system-refactor-sub005/internal/typing"
)

// Store is everything the realtime layer persists through.
type Store interface {
	domain.MessageStore
	domain.NotificationStore
}

type Options struct {
	Store     Store
	Relay     domain.Relay
	Providers map[domain.Platform]domain.PushProvider
	NodeID    string
	Clock     clockwork.Clock

	TypingTTL         time.Duration
	PushTimeout       time.Duration
	PushRetry         retry.Policy
	NotifyWorkers     int
	NotifyQueueSize   int
	NotifyConcurrency int
}

// NewComponents builds the component graph. The queue is not started.
func NewComponents(o Options) Components {
	if o.Relay == nil {
		o.Relay = domain.NopRelay{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}

	reg := registry.New(o.Clock)
	rm := rooms.NewManager(reg, o.Store, o.Relay, o.NodeID, o.Clock)
	typer := typing.New(rm, o.Clock, o.TypingTTL)
	pres := presence.New(reg, o.Relay, o.NodeID)

	dispatcher := notify.NewDispatcher(o.Store, reg, o.Relay, o.Providers, o.Clock, notify.Config{
		Timeout:     o.PushTimeout,
		Concurrency: o.NotifyConcurrency,
		Retry:       o.PushRetry,
		NodeID:      o.NodeID,
	})
	queue := notify.NewQueue(dispatcher, o.Store, o.NotifyWorkers, o.NotifyQueueSize)
	pipeline := fanout.New(o.Store, rm, typer, queue, o.Clock)

	return Components{
		Registry:   reg,
		Rooms:      rm,
		Typing:     typer,
		Presence:   pres,
		Fanout:     pipeline,
		Dispatcher: dispatcher,
		Queue:      queue,
	}
}
