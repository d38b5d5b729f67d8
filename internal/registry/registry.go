// Package registry maps authenticated principals to their live connections and
// is the source of truth for whether a principal is online on this instance.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
)

const shardCount = 32

// Listener observes connection lifecycle. Callbacks for one principal are
// delivered in mutation order and never concurrently with another mutation of
// the same shard. Listeners may read the registry and send through it but must
// not register or unregister from inside a callback.
type Listener interface {
	ConnectionOpened(info domain.ConnectionInfo)
	ConnectionClosed(info domain.ConnectionInfo)
	PrincipalOnline(p domain.Principal, at time.Time)
	PrincipalOffline(p domain.Principal, at time.Time)
}

// NopListener can be embedded to implement only the callbacks a component needs.
type NopListener struct{}

func (NopListener) ConnectionOpened(domain.ConnectionInfo)       {}
func (NopListener) ConnectionClosed(domain.ConnectionInfo)       {}
func (NopListener) PrincipalOnline(domain.Principal, time.Time)  {}
func (NopListener) PrincipalOffline(domain.Principal, time.Time) {}

type client struct {
	info domain.ConnectionInfo
	sink domain.Sink
}

// userShard holds connections grouped by principal. writeMu serializes
// mutations together with their listener callbacks; mu guards the map for
// readers so a callback can still read every shard.
type userShard struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	byUser  map[domain.UserID]map[domain.ConnID]*client
}

type connShard struct {
	mu     sync.RWMutex
	byConn map[domain.ConnID]*client
}

type Registry struct {
	clock     clockwork.Clock
	users     [shardCount]*userShard
	conns     [shardCount]*connShard
	listeners []Listener
}

func New(clock clockwork.Clock) *Registry {
	r := &Registry{clock: clock}
	for i := range shardCount {
		r.users[i] = &userShard{byUser: make(map[domain.UserID]map[domain.ConnID]*client)}
		r.conns[i] = &connShard{byConn: make(map[domain.ConnID]*client)}
	}
	return r
}

// AddListener must be called before the first Register.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) userShard(id domain.UserID) *userShard {
	return r.users[uint64(id)%shardCount]
}

func (r *Registry) connShard(id domain.ConnID) *connShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.conns[h.Sum32()%shardCount]
}

// Register adds a connection for p and returns its id. It never rejects: a
// principal may hold any number of connections.
func (r *Registry) Register(p domain.Principal, sink domain.Sink) domain.ConnID {
	c := &client{
		info: domain.ConnectionInfo{
			ID:          domain.ConnID(uuid.NewString()),
			Principal:   p,
			ConnectedAt: r.clock.Now(),
		},
		sink: sink,
	}

	cs := r.connShard(c.info.ID)
	cs.mu.Lock()
	cs.byConn[c.info.ID] = c
	cs.mu.Unlock()

	us := r.userShard(p.ID)
	us.writeMu.Lock()
	defer us.writeMu.Unlock()

	us.mu.Lock()
	set, ok := us.byUser[p.ID]
	if !ok {
		set = make(map[domain.ConnID]*client)
		us.byUser[p.ID] = set
	}
	set[c.info.ID] = c
	first := len(set) == 1
	us.mu.Unlock()

	metrics.ConnectedClients.Inc()
	slog.Debug("Client registered", "conn_id", c.info.ID, "user_id", p.ID, "first", first)

	for _, l := range r.listeners {
		l.ConnectionOpened(c.info)
	}
	if first {
		metrics.OnlinePrincipals.Inc()
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		for _, l := range r.listeners {
			l.PrincipalOnline(p, c.info.ConnectedAt)
		}
	}

	return c.info.ID
}

// Unregister removes a connection. Unknown or already removed ids are ignored.
func (r *Registry) Unregister(id domain.ConnID) {
	c, ok := r.lookup(id)
	if !ok {
		return
	}

	p := c.info.Principal
	us := r.userShard(p.ID)
	us.writeMu.Lock()
	defer us.writeMu.Unlock()

	us.mu.Lock()
	set := us.byUser[p.ID]
	if _, present := set[id]; !present {
		us.mu.Unlock()
		return
	}
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(us.byUser, p.ID)
	}
	us.mu.Unlock()

	cs := r.connShard(id)
	cs.mu.Lock()
	delete(cs.byConn, id)
	cs.mu.Unlock()

	metrics.ConnectedClients.Dec()
	slog.Debug("Client unregistered", "conn_id", id, "user_id", p.ID, "last", last)

	for _, l := range r.listeners {
		l.ConnectionClosed(c.info)
	}
	if last {
		metrics.OnlinePrincipals.Dec()
		metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		at := r.clock.Now()
		for _, l := range r.listeners {
			l.PrincipalOffline(p, at)
		}
	}
}

func (r *Registry) lookup(id domain.ConnID) (*client, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byConn[id]
	return c, ok
}

// Connection returns the info for a registered connection.
func (r *Registry) Connection(id domain.ConnID) (domain.ConnectionInfo, bool) {
	c, ok := r.lookup(id)
	if !ok {
		return domain.ConnectionInfo{}, false
	}
	return c.info, true
}

// ConnectionsFor returns the ids of every live connection of user. An empty
// result means the user is offline.
func (r *Registry) ConnectionsFor(user domain.UserID) []domain.ConnID {
	us := r.userShard(user)
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.byUser[user]
	ids := make([]domain.ConnID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	us := r.userShard(user)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.byUser[user]) > 0
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, cs := range r.conns {
		cs.mu.RLock()
		n += len(cs.byConn)
		cs.mu.RUnlock()
	}
	return n
}

// SendRaw hands an encoded event to one connection's sink. A full sink gets the
// connection evicted; its transport unregisters it once the close completes.
func (r *Registry) SendRaw(id domain.ConnID, data []byte) error {
	c, ok := r.lookup(id)
	if !ok {
		return domain.ErrUnknownConnection
	}
	return r.deliver(c, data)
}

func (r *Registry) deliver(c *client, data []byte) error {
	err := c.sink.Send(data)
	if errors.Is(err, domain.ErrSlowConsumer) {
		metrics.SlowClientsEvicted.Inc()
		slog.Warn("Evicting slow client", "conn_id", c.info.ID, "user_id", c.info.Principal.ID)
		go c.sink.Close("slow consumer")
	}
	return err
}

// Send encodes ev and delivers it to one connection.
func (r *Registry) Send(id domain.ConnID, ev domain.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := r.SendRaw(id, data); err != nil {
		return err
	}
	metrics.EventsDeliveredTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// SendToUser delivers ev to every local connection of user and returns how many
// sinks accepted it.
func (r *Registry) SendToUser(_ context.Context, user domain.UserID, ev domain.Event) int {
	data, err := ev.Encode()
	if err != nil {
		slog.Error("Dropping event", "type", ev.Kind, "error", err)
		return 0
	}

	us := r.userShard(user)
	us.mu.RLock()
	targets := make([]*client, 0, len(us.byUser[user]))
	for _, c := range us.byUser[user] {
		targets = append(targets, c)
	}
	us.mu.RUnlock()

	return r.deliverAll(targets, data, ev.Kind)
}

// Broadcast delivers ev to every local connection.
func (r *Registry) Broadcast(_ context.Context, ev domain.Event) int {
	data, err := ev.Encode()
	if err != nil {
		slog.Error("Dropping event", "type", ev.Kind, "error", err)
		return 0
	}

	var targets []*client
	for _, cs := range r.conns {
		cs.mu.RLock()
		for _, c := range cs.byConn {
			targets = append(targets, c)
		}
		cs.mu.RUnlock()
	}

	return r.deliverAll(targets, data, ev.Kind)
}

func (r *Registry) deliverAll(targets []*client, data []byte, kind domain.EventKind) int {
	delivered := 0
	for _, c := range targets {
		if r.deliver(c, data) == nil {
			delivered++
		}
	}
	metrics.EventsDeliveredTotal.WithLabelValues(string(kind)).Add(float64(delivered))
	return delivered
}

// CloseAll closes every sink with reason. Used during shutdown; the transports
// unregister their connections as they exit.
func (r *Registry) CloseAll(reason string) {
	var targets []*client
	for _, cs := range r.conns {
		cs.mu.RLock()
		for _, c := range cs.byConn {
			targets = append(targets, c)
		}
		cs.mu.RUnlock()
	}
	for _, c := range targets {
		c.sink.Close(reason)
	}
}
