package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
)

var ErrQueueClosed = errors.New("notification queue closed")

// ManyDispatcher is satisfied by *Dispatcher.
type ManyDispatcher interface {
	DispatchToMany(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) Summary
}

type ParticipantLister interface {
	Participants(ctx context.Context, room domain.RoomID) ([]domain.UserID, error)
}

type job struct {
	ctx   context.Context
	users []domain.UserID
	room  *domain.RoomNotification
	tmpl  domain.NotificationTemplate
}

// Queue runs notification work on a fixed pool of workers, off the caller's
// path. Enqueue blocks while the buffer is full.
type Queue struct {
	dispatcher   ManyDispatcher
	participants ParticipantLister
	workers      int

	jobs   chan job
	mu     sync.RWMutex
	closed bool

	runCtx   context.Context
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(dispatcher ManyDispatcher, participants ParticipantLister, workers, size int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &Queue{
		dispatcher:   dispatcher,
		participants: participants,
		workers:      workers,
		jobs:         make(chan job, size),
		runCtx:       context.Background(),
	}
}

// Start launches the workers. Cancelling ctx cancels in-flight dispatches.
func (q *Queue) Start(ctx context.Context) {
	q.runCtx = ctx
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	slog.Info("Notification queue started", "workers", q.workers, "capacity", cap(q.jobs))
}

// Enqueue schedules a notification for each of users.
func (q *Queue) Enqueue(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) error {
	if len(users) == 0 {
		return nil
	}
	return q.push(ctx, job{users: append([]domain.UserID(nil), users...), tmpl: tmpl})
}

// EnqueueRoom schedules a notification for a room's participants. They are
// resolved when the job runs, not when it is queued.
func (q *Queue) EnqueueRoom(ctx context.Context, n domain.RoomNotification) error {
	return q.push(ctx, job{room: &n, tmpl: n.Template})
}

func (q *Queue) push(ctx context.Context, j job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	// The job outlives the request that queued it but keeps its values.
	j.ctx = context.WithoutCancel(ctx)

	select {
	case q.jobs <- j:
		metrics.NotificationJobsQueued.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue notification: %w", ctx.Err())
	}
}

func (q *Queue) work(worker int) {
	defer q.wg.Done()
	for j := range q.jobs {
		metrics.NotificationJobsQueued.Dec()
		q.run(j, worker)
	}
}

func (q *Queue) run(j job, worker int) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(q.runCtx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationJobsTotal.WithLabelValues("panic").Inc()
			slog.ErrorContext(ctx, "Notification job panicked", "worker", worker, "panic", r)
		}
	}()

	users := j.users
	if j.room != nil {
		var err error
		users, err = q.recipients(ctx, *j.room)
		if err != nil {
			metrics.NotificationJobsTotal.WithLabelValues("error").Inc()
			slog.ErrorContext(ctx, "Failed to resolve room participants", "room_id", j.room.RoomID, "error", err)
			return
		}
	}
	if len(users) == 0 {
		metrics.NotificationJobsTotal.WithLabelValues("empty").Inc()
		return
	}

	summary := q.dispatcher.DispatchToMany(ctx, users, j.tmpl)
	attempted, succeeded := summary.Totals()
	result := "ok"
	if len(summary.Errors) > 0 {
		result = "partial"
		for user, err := range summary.Errors {
			slog.WarnContext(ctx, "Notification dispatch failed", "user_id", user, "error", err)
		}
	}
	metrics.NotificationJobsTotal.WithLabelValues(result).Inc()
	slog.DebugContext(ctx, "Notification job done", "worker", worker, "recipients", len(users),
		"attempted", attempted, "succeeded", succeeded)
}

func (q *Queue) recipients(ctx context.Context, n domain.RoomNotification) ([]domain.UserID, error) {
	all, err := q.participants.Participants(ctx, n.RoomID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserID, 0, len(all))
	for _, u := range all {
		if u != n.ExcludeUser {
			out = append(out, u)
		}
	}
	return out, nil
}

// Stop refuses new jobs, lets the workers drain what is buffered and waits for
// them until ctx ends.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Notification queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification queue did not drain: %w", ctx.Err())
	}
}
