package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/siddharth-movaliya/os-chat/model"
	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// fakeStore mimics the shared Redis presence store: one instance of it
// is shared by every simulated coordinator, per-call atomicity only.
type fakeStore struct {
	mu     sync.Mutex
	conns  map[string]map[string]struct{}
	online map[string]struct{}
	fail   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conns:  make(map[string]map[string]struct{}),
		online: make(map[string]struct{}),
	}
}

func (s *fakeStore) Connections(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errs.ErrStoreUnavailable
	}
	var out []string
	for id := range s.conns[user] {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) AddConnection(_ context.Context, user, connID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errs.ErrStoreUnavailable
	}
	if s.conns[user] == nil {
		s.conns[user] = make(map[string]struct{})
	}
	s.conns[user][connID] = struct{}{}
	return int64(len(s.conns[user])), nil
}

func (s *fakeStore) RemoveConnection(_ context.Context, user, connID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errs.ErrStoreUnavailable
	}
	delete(s.conns[user], connID)
	return int64(len(s.conns[user])), nil
}

func (s *fakeStore) RemoveConnections(_ context.Context, user string, connIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errs.ErrStoreUnavailable
	}
	for _, id := range connIDs {
		delete(s.conns[user], id)
	}
	return nil
}

func (s *fakeStore) SetOnline(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[user] = struct{}{}
	return nil
}

func (s *fakeStore) SetOffline(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, user)
	return nil
}

func (s *fakeStore) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errs.ErrStoreUnavailable
	}
	var out []string
	for u := range s.online {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeStore) isOnline(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[user]
	return ok
}

func (s *fakeStore) storedConns(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[user])
}

// fakeCluster simulates N gateway instances: each has a local registry
// of live connections, and liveness queries see the union.
type fakeCluster struct {
	mu         sync.Mutex
	instances  []map[string]map[string]struct{} // instance -> user -> conn ids
	broadcasts []model.PresenceChangedEvent
}

func newFakeCluster(n int) *fakeCluster {
	c := &fakeCluster{}
	for i := 0; i < n; i++ {
		c.instances = append(c.instances, make(map[string]map[string]struct{}))
	}
	return c
}

func (c *fakeCluster) attach(instance int, user, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instances[instance][user] == nil {
		c.instances[instance][user] = make(map[string]struct{})
	}
	c.instances[instance][user][connID] = struct{}{}
}

func (c *fakeCluster) detach(instance int, user, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances[instance][user], connID)
}

// crash drops every live connection an instance holds without any
// disconnect reconciliation, leaving dangling ids in the store.
func (c *fakeCluster) crash(instance int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[instance] = make(map[string]map[string]struct{})
}

func (c *fakeCluster) Broadcast(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := payload.(model.PresenceChangedEvent); ok && event == model.EventPresenceChanged {
		c.broadcasts = append(c.broadcasts, ev)
	}
	return nil
}

func (c *fakeCluster) LiveConnections(_ context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, inst := range c.instances {
		for id := range inst[userID] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *fakeCluster) lastBroadcast(t *testing.T) model.PresenceChangedEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcasts) == 0 {
		t.Fatal("expected a presence broadcast")
	}
	return c.broadcasts[len(c.broadcasts)-1]
}

func (c *fakeCluster) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

// world wires N coordinators over one shared store and cluster view.
type world struct {
	store   *fakeStore
	cluster *fakeCluster
	coords  []*Coordinator
}

func newWorld(n int) *world {
	w := &world{store: newFakeStore(), cluster: newFakeCluster(n)}
	for i := 0; i < n; i++ {
		w.coords = append(w.coords, NewCoordinator(w.store, w.cluster))
	}
	return w
}

func (w *world) connect(t *testing.T, instance int, user, connID string) {
	t.Helper()
	w.cluster.attach(instance, user, connID)
	if _, err := w.coords[instance].Connect(context.Background(), user, connID, ""); err != nil {
		t.Fatalf("connect %s/%s on instance %d: %v", user, connID, instance, err)
	}
}

func (w *world) disconnect(t *testing.T, instance int, user, connID string) {
	t.Helper()
	w.cluster.detach(instance, user, connID)
	if err := w.coords[instance].Disconnect(context.Background(), user, connID, ""); err != nil {
		t.Fatalf("disconnect %s/%s on instance %d: %v", user, connID, instance, err)
	}
}

// liveUnion reports whether any instance still holds a connection.
func (w *world) liveUnion(user string) bool {
	ids, _ := w.cluster.LiveConnections(context.Background(), user)
	return len(ids) > 0
}

func TestStatusEqualsLiveUnion(t *testing.T) {
	type step struct {
		connect  bool
		instance int
		connID   string
	}
	cases := []struct {
		name  string
		steps []step
	}{
		{"single connect", []step{{true, 0, "c1"}}},
		{"connect then disconnect", []step{{true, 0, "c1"}, {false, 0, "c1"}}},
		{"two devices one instance", []step{{true, 0, "c1"}, {true, 0, "c2"}, {false, 0, "c1"}}},
		{"two devices two instances", []step{{true, 0, "c1"}, {true, 1, "c2"}, {false, 0, "c1"}, {false, 1, "c2"}}},
		{"reconnect cycle", []step{{true, 0, "c1"}, {false, 0, "c1"}, {true, 1, "c2"}, {false, 1, "c2"}, {true, 2, "c3"}}},
		{"interleaved instances", []step{{true, 0, "c1"}, {true, 1, "c2"}, {true, 2, "c3"}, {false, 1, "c2"}, {false, 0, "c1"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld(3)
			for _, st := range tc.steps {
				if st.connect {
					w.connect(t, st.instance, "alice", st.connID)
				} else {
					w.disconnect(t, st.instance, "alice", st.connID)
				}
			}
			if got, want := w.store.isOnline("alice"), w.liveUnion("alice"); got != want {
				t.Fatalf("status online=%v, live union non-empty=%v", got, want)
			}
		})
	}
}

func TestPresenceBroadcastOnlyOnTransitions(t *testing.T) {
	w := newWorld(2)

	w.connect(t, 0, "alice", "c1")
	if ev := w.cluster.lastBroadcast(t); ev.Status != model.StatusOnline {
		t.Fatalf("first connect should broadcast online, got %s", ev.Status)
	}

	// A second device must not rebroadcast.
	before := w.cluster.broadcastCount()
	w.connect(t, 1, "alice", "c2")
	if got := w.cluster.broadcastCount(); got != before {
		t.Fatalf("second connect broadcast: had %d, now %d", before, got)
	}

	// First disconnect leaves one device: still online, no broadcast.
	w.disconnect(t, 0, "alice", "c1")
	if got := w.cluster.broadcastCount(); got != before {
		t.Fatalf("partial disconnect broadcast: had %d, now %d", before, got)
	}

	w.disconnect(t, 1, "alice", "c2")
	if ev := w.cluster.lastBroadcast(t); ev.Status != model.StatusOffline {
		t.Fatalf("last disconnect should broadcast offline, got %s", ev.Status)
	}
}

func TestStaleIDsSweptOnConnect(t *testing.T) {
	w := newWorld(2)

	w.connect(t, 0, "alice", "c1")
	w.connect(t, 0, "alice", "c2")
	if got := w.store.storedConns("alice"); got != 2 {
		t.Fatalf("stored conns = %d, want 2", got)
	}

	// Instance 0 dies without disconnecting; its ids dangle in the store.
	w.cluster.crash(0)

	// The next connect anywhere self-heals them.
	w.connect(t, 1, "alice", "c3")
	if got := w.store.storedConns("alice"); got != 1 {
		t.Fatalf("stored conns after sweep = %d, want 1", got)
	}
	if !w.store.isOnline("alice") {
		t.Fatal("alice should be online after reconnect")
	}
}

func TestReconnectRaceKeepsFreshID(t *testing.T) {
	w := newWorld(1)

	// The fresh id is already in the store (a concurrent add landed) but
	// the liveness view does not include it yet. The sweep must not
	// classify it as stale and conclude the user is offline.
	if _, err := w.store.AddConnection(context.Background(), "alice", "c-new"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.coords[0].Connect(context.Background(), "alice", "c-new", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := w.store.storedConns("alice"); got != 1 {
		t.Fatalf("stored conns = %d, want the fresh id kept", got)
	}
	if !w.store.isOnline("alice") {
		t.Fatal("alice must be online after the racing reconnect")
	}
}

func TestSnapshotContents(t *testing.T) {
	w := newWorld(1)
	w.connect(t, 0, "alice", "a1")
	w.connect(t, 0, "bob", "b1")
	w.cluster.attach(0, "carol", "c1")

	snap, err := w.coords[0].Connect(context.Background(), "carol", "c1", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := snap.Users["carol"]; ok {
		t.Fatal("snapshot must exclude the connecting user")
	}
	for _, u := range []string{"alice", "bob"} {
		if got := snap.Users[u]; got != model.StatusOnline {
			t.Fatalf("snapshot[%s] = %q, want online", u, got)
		}
	}
}

func TestStoreUnavailableSurfacesButDisconnectStillDerives(t *testing.T) {
	w := newWorld(1)
	w.store.fail = true

	_, err := w.coords[0].Connect(context.Background(), "alice", "c1", "")
	if err == nil {
		t.Fatal("expected store unavailable error for the caller to log")
	}
	if !errIsStoreUnavailable(err) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}

func errIsStoreUnavailable(err error) bool {
	return errs.Code(err) == errs.CodeStoreUnavailable
}

func TestManyUsersIndependent(t *testing.T) {
	w := newWorld(3)
	for i := 0; i < 10; i++ {
		user := fmt.Sprintf("user-%d", i)
		w.connect(t, i%3, user, fmt.Sprintf("c-%d", i))
	}
	for i := 0; i < 10; i += 2 {
		user := fmt.Sprintf("user-%d", i)
		w.disconnect(t, i%3, user, fmt.Sprintf("c-%d", i))
	}
	for i := 0; i < 10; i++ {
		user := fmt.Sprintf("user-%d", i)
		want := i%2 == 1
		if got := w.store.isOnline(user); got != want {
			t.Fatalf("%s online=%v, want %v", user, got, want)
		}
	}
}
