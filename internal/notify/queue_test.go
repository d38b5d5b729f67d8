package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]domain.UserID
	block chan struct{}
	errs  []error
}

func (r *recordingDispatcher) DispatchToMany(ctx context.Context, users []domain.UserID, _ domain.NotificationTemplate) Summary {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, users)
	r.errs = append(r.errs, ctx.Err())
	return Summary{Outcomes: map[domain.UserID]Outcome{}}
}

func (r *recordingDispatcher) snapshot() [][]domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]domain.UserID(nil), r.calls...)
}

type participantsFunc func(ctx context.Context, room domain.RoomID) ([]domain.UserID, error)

func (f participantsFunc) Participants(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	return f(ctx, room)
}

func staticParticipants(ids ...domain.UserID) participantsFunc {
	return func(context.Context, domain.RoomID) ([]domain.UserID, error) { return ids, nil }
}

func TestQueue_EnqueueRoomExcludesAuthor(t *testing.T) {
	d := &recordingDispatcher{}
	q := NewQueue(d, staticParticipants(1, 2, 3), 2, 4)
	q.Start(context.Background())

	err := q.EnqueueRoom(context.Background(), domain.RoomNotification{
		RoomID:      9,
		ExcludeUser: 1,
		Template:    domain.NotificationTemplate{Type: domain.NotificationMessage},
	})
	require.NoError(t, err)
	require.NoError(t, q.Stop(context.Background()))

	calls := d.snapshot()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []domain.UserID{2, 3}, calls[0])
}

func TestQueue_ParticipantsResolvedAtRunTime(t *testing.T) {
	d := &recordingDispatcher{block: make(chan struct{})}
	var mu sync.Mutex
	members := []domain.UserID{1, 2}
	lister := participantsFunc(func(context.Context, domain.RoomID) ([]domain.UserID, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.UserID(nil), members...), nil
	})
	q := NewQueue(d, lister, 1, 4)
	q.Start(context.Background())

	// Occupy the only worker so the room job waits in the buffer.
	require.NoError(t, q.Enqueue(context.Background(), []domain.UserID{99}, domain.NotificationTemplate{}))
	require.NoError(t, q.EnqueueRoom(context.Background(), domain.RoomNotification{RoomID: 9, ExcludeUser: 1}))

	mu.Lock()
	members = append(members, 4)
	mu.Unlock()
	close(d.block)

	require.NoError(t, q.Stop(context.Background()))
	calls := d.snapshot()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []domain.UserID{2, 4}, calls[1])
}

func TestQueue_JobSurvivesCallerCancellation(t *testing.T) {
	d := &recordingDispatcher{}
	q := NewQueue(d, staticParticipants(), 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Enqueue(ctx, []domain.UserID{5}, domain.NotificationTemplate{}))
	cancel()

	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))

	require.Len(t, d.snapshot(), 1)
	assert.NoError(t, d.errs[0])
}

func TestQueue_SkipsEmptyRecipientLists(t *testing.T) {
	d := &recordingDispatcher{}
	q := NewQueue(d, staticParticipants(1), 1, 4)
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), nil, domain.NotificationTemplate{}))
	require.NoError(t, q.EnqueueRoom(context.Background(), domain.RoomNotification{RoomID: 9, ExcludeUser: 1}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Empty(t, d.snapshot())
}

func TestQueue_ParticipantLookupFailureDropsJob(t *testing.T) {
	d := &recordingDispatcher{}
	lister := participantsFunc(func(context.Context, domain.RoomID) ([]domain.UserID, error) {
		return nil, errors.New("db down")
	})
	q := NewQueue(d, lister, 1, 4)
	q.Start(context.Background())

	require.NoError(t, q.EnqueueRoom(context.Background(), domain.RoomNotification{RoomID: 9}))
	require.NoError(t, q.Enqueue(context.Background(), []domain.UserID{3}, domain.NotificationTemplate{}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, [][]domain.UserID{{3}}, d.snapshot())
}

func TestQueue_EnqueueAfterStop(t *testing.T) {
	q := NewQueue(&recordingDispatcher{}, staticParticipants(), 1, 1)
	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	err := q.Enqueue(context.Background(), []domain.UserID{1}, domain.NotificationTemplate{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_EnqueueRespectsContextWhenFull(t *testing.T) {
	q := NewQueue(&recordingDispatcher{}, staticParticipants(), 1, 1)
	require.NoError(t, q.Enqueue(context.Background(), []domain.UserID{1}, domain.NotificationTemplate{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, []domain.UserID{2}, domain.NotificationTemplate{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_StopTimesOutOnStuckWorker(t *testing.T) {
	d := &recordingDispatcher{block: make(chan struct{})}
	defer close(d.block)
	q := NewQueue(d, staticParticipants(), 1, 1)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(context.Background(), []domain.UserID{1}, domain.NotificationTemplate{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
}
