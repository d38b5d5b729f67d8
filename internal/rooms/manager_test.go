package rooms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/registry/registrytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Principal{ID: 1, DisplayName: "Alice"}
	bob   = domain.Principal{ID: 2, DisplayName: "Bob"}
	carol = domain.Principal{ID: 3, DisplayName: "Carol"}
)

const room = domain.RoomID(10)

type mockChecker struct {
	mu           sync.Mutex
	participants map[domain.RoomID]map[domain.UserID]bool
	err          error
	calls        atomic.Int64
	delay        time.Duration
}

func newMockChecker() *mockChecker {
	return &mockChecker{participants: make(map[domain.RoomID]map[domain.UserID]bool)}
}

func (m *mockChecker) allow(room domain.RoomID, users ...domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[room] == nil {
		m.participants[room] = make(map[domain.UserID]bool)
	}
	for _, u := range users {
		m.participants[room][u] = true
	}
}

func (m *mockChecker) IsParticipant(_ context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.participants[room][user], nil
}

type relayRecorder struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (r *relayRecorder) Publish(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

type fixture struct {
	reg     *registry.Registry
	mgr     *Manager
	checker *mockChecker
	relay   *relayRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := registry.New(clock)
	checker := newMockChecker()
	relay := &relayRecorder{}
	mgr := NewManager(reg, checker, relay, "node-a", clock)
	reg.AddListener(mgr)
	return &fixture{reg: reg, mgr: mgr, checker: checker, relay: relay}
}

func (f *fixture) connect(p domain.Principal) (domain.ConnID, *registrytest.Sink) {
	sink := registrytest.NewSink()
	return f.reg.Register(p, sink), sink
}

func TestJoin_Participant(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID, bob.ID)
	a, _ := f.connect(alice)
	b, bobSink := f.connect(bob)

	require.NoError(t, f.mgr.Join(context.Background(), b, room))
	require.NoError(t, f.mgr.Join(context.Background(), a, room))

	assert.ElementsMatch(t, []domain.ConnID{a, b}, f.mgr.Members(room))
	assert.True(t, f.mgr.IsMember(a, room))
	assert.Equal(t, []domain.RoomID{room}, f.mgr.RoomsOf(a))

	joined := bobSink.Of(domain.EventRoomUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, alice.ID, joined[0].UserID)
	assert.Equal(t, room, joined[0].RoomID)
}

func TestJoin_NotParticipantIsRejected(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, bob.ID)
	a, _ := f.connect(alice)
	b, bobSink := f.connect(bob)
	require.NoError(t, f.mgr.Join(context.Background(), b, room))
	bobSink.Reset()

	err := f.mgr.Join(context.Background(), a, room)

	require.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.False(t, f.mgr.IsMember(a, room))
	assert.Equal(t, []domain.ConnID{b}, f.mgr.Members(room))
	assert.Empty(t, bobSink.Events())
}

func TestJoin_CheckerErrorDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.checker.err = errors.New("db down")
	a, _ := f.connect(alice)

	err := f.mgr.Join(context.Background(), a, room)

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Empty(t, f.mgr.Members(room))
}

func TestJoin_UnknownConnection(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID)

	err := f.mgr.Join(context.Background(), "nope", room)
	assert.ErrorIs(t, err, domain.ErrUnknownConnection)
}

func TestJoin_InvalidRoom(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(alice)

	err := f.mgr.Join(context.Background(), a, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestJoin_TwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID, bob.ID)
	a, _ := f.connect(alice)
	b, bobSink := f.connect(bob)
	require.NoError(t, f.mgr.Join(context.Background(), b, room))

	require.NoError(t, f.mgr.Join(context.Background(), a, room))
	require.NoError(t, f.mgr.Join(context.Background(), a, room))

	assert.Len(t, bobSink.Of(domain.EventRoomUserJoined), 1)
	assert.Len(t, f.mgr.Members(room), 2)
}

func TestLeave_TwiceBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID, bob.ID)
	a, _ := f.connect(alice)
	b, bobSink := f.connect(bob)
	require.NoError(t, f.mgr.Join(context.Background(), a, room))
	require.NoError(t, f.mgr.Join(context.Background(), b, room))

	require.NoError(t, f.mgr.Leave(context.Background(), a, room))
	require.NoError(t, f.mgr.Leave(context.Background(), a, room))

	assert.False(t, f.mgr.IsMember(a, room))
	assert.Len(t, bobSink.Of(domain.EventRoomUserLeft), 1)
}

func TestLeave_UnknownConnectionIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.mgr.Leave(context.Background(), "ghost", room))
}

func TestUnregister_CascadesLeaves(t *testing.T) {
	f := newFixture(t)
	other := domain.RoomID(11)
	f.checker.allow(room, alice.ID, bob.ID)
	f.checker.allow(other, alice.ID, carol.ID)
	a, _ := f.connect(alice)
	b, bobSink := f.connect(bob)
	c, carolSink := f.connect(carol)
	require.NoError(t, f.mgr.Join(context.Background(), a, room))
	require.NoError(t, f.mgr.Join(context.Background(), a, other))
	require.NoError(t, f.mgr.Join(context.Background(), b, room))
	require.NoError(t, f.mgr.Join(context.Background(), c, other))

	f.reg.Unregister(a)

	assert.Equal(t, []domain.ConnID{b}, f.mgr.Members(room))
	assert.Equal(t, []domain.ConnID{c}, f.mgr.Members(other))
	assert.Len(t, bobSink.Of(domain.EventRoomUserLeft), 1)
	assert.Len(t, carolSink.Of(domain.EventRoomUserLeft), 1)
	assert.Nil(t, f.mgr.RoomsOf(a))
}

func TestJoin_AfterUnregisterFails(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID)
	a, _ := f.connect(alice)
	f.reg.Unregister(a)

	err := f.mgr.Join(context.Background(), a, room)

	assert.ErrorIs(t, err, domain.ErrUnknownConnection)
	assert.Empty(t, f.mgr.Members(room))
}

func TestJoinLeave_NetEffectUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	rooms := []domain.RoomID{1, 2, 3, 4, 5, 6, 7, 8}
	for _, r := range rooms {
		f.checker.allow(r, alice.ID)
	}
	a, _ := f.connect(alice)

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				assert.NoError(t, f.mgr.Join(context.Background(), a, r))
				if i%2 == 0 || r%2 == 0 {
					assert.NoError(t, f.mgr.Leave(context.Background(), a, r))
				}
			}
		}()
	}
	wg.Wait()

	// Odd rooms end on a join (i=49 skips the leave), even rooms always leave.
	for _, r := range rooms {
		assert.Equal(t, r%2 == 1, f.mgr.IsMember(a, r), "room %d", r)
	}
}

func TestJoin_ConcurrentChecksAreCollapsed(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID)
	f.checker.delay = 50 * time.Millisecond
	a, _ := f.connect(alice)
	b, _ := f.connect(alice)

	var wg sync.WaitGroup
	for _, id := range []domain.ConnID{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.mgr.Join(context.Background(), id, room))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.checker.calls.Load(), int64(2))
	assert.Len(t, f.mgr.Members(room), 2)
}

func TestBroadcast_ExcludesOriginAndRelays(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID, bob.ID)
	a, aliceSink := f.connect(alice)
	b, bobSink := f.connect(bob)
	require.NoError(t, f.mgr.Join(context.Background(), a, room))
	require.NoError(t, f.mgr.Join(context.Background(), b, room))
	aliceSink.Reset()
	bobSink.Reset()

	n := f.mgr.Broadcast(context.Background(), room, domain.Event{Kind: domain.EventTypingStart, UserID: alice.ID}, a)

	assert.Equal(t, 1, n)
	assert.Empty(t, aliceSink.Events())
	assert.Len(t, bobSink.Of(domain.EventTypingStart), 1)

	f.relay.mu.Lock()
	defer f.relay.mu.Unlock()
	last := f.relay.envs[len(f.relay.envs)-1]
	assert.Equal(t, domain.ScopeRoom, last.Scope)
	assert.Equal(t, room, last.RoomID)
	assert.Equal(t, a, last.Except)
	assert.Equal(t, "node-a", last.Origin)
}

func TestMembers_NeverIncludesConnectionThatLeftBeforeSend(t *testing.T) {
	f := newFixture(t)
	f.checker.allow(room, alice.ID, bob.ID)
	a, aliceSink := f.connect(alice)
	b, bobSink := f.connect(bob)
	require.NoError(t, f.mgr.Join(context.Background(), a, room))
	require.NoError(t, f.mgr.Join(context.Background(), b, room))
	require.NoError(t, f.mgr.Leave(context.Background(), b, room))
	bobSink.Reset()

	f.mgr.Broadcast(context.Background(), room, domain.Event{Kind: domain.EventMessageNew}, "")

	assert.Len(t, aliceSink.Of(domain.EventMessageNew), 1)
	assert.Empty(t, bobSink.Events())
}
