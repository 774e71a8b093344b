package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"

	"github.com/siddharth-movaliya/os-chat/service/presence"
)

var redisTestOnce sync.Once

// setupRedis points the shared client at an in-process server once for
// the whole package; each test uses its own user keys.
func setupRedis(t *testing.T) *RedisPresence {
	t.Helper()
	redisTestOnce.Do(func() {
		s, err := miniredis.Run()
		if err != nil {
			panic(err)
		}
		if err := InitRedis(RedisConfig{Addr: s.Addr()}); err != nil {
			panic(err)
		}
	})
	return NewRedisPresence()
}

// noLiveView stands in for the fan-out bus when no peer instances are
// reachable; connect-time reconciliation skips the stale-id sweep.
type noLiveView struct{}

func (noLiveView) Broadcast(string, any) error { return nil }

func (noLiveView) LiveConnections(context.Context, string) ([]string, error) {
	return nil, errors.New("no peers reachable")
}

// Concurrent adds for one user must each observe a distinct set size:
// exactly one of them sees 1 and owns the online flip. If the add and
// the count were separate round trips, two first connects could both
// see 2 and nobody would flip.
func TestConcurrentAddsObserveDistinctSizes(t *testing.T) {
	p := setupRedis(t)
	const n = 8

	sizes := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			size, err := p.AddConnection(context.Background(), "dave", fmt.Sprintf("conn-%d", i))
			if err != nil {
				t.Errorf("add conn-%d: %v", i, err)
				return
			}
			sizes[i] = size
		}(i)
	}
	wg.Wait()

	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for i, s := range sizes {
		if s != int64(i+1) {
			t.Fatalf("observed sizes %v, want a permutation of 1..%d", sizes, n)
		}
	}
}

func TestConcurrentRemovesObserveDistinctSizes(t *testing.T) {
	p := setupRedis(t)
	const n = 8
	for i := 0; i < n; i++ {
		if _, err := p.AddConnection(context.Background(), "erin", fmt.Sprintf("conn-%d", i)); err != nil {
			t.Fatalf("add conn-%d: %v", i, err)
		}
	}

	remaining := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.RemoveConnection(context.Background(), "erin", fmt.Sprintf("conn-%d", i))
			if err != nil {
				t.Errorf("remove conn-%d: %v", i, err)
				return
			}
			remaining[i] = r
		}(i)
	}
	wg.Wait()

	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	for i, r := range remaining {
		if r != int64(i) {
			t.Fatalf("observed remaining %v, want a permutation of 0..%d", remaining, n-1)
		}
	}
}

// Two devices reconnecting at the same moment, on different instances,
// must leave the user in the online index: whichever add lands second
// still lets the first observe size 1 and flip the flag.
func TestConcurrentFirstConnectsFlipOnline(t *testing.T) {
	p := setupRedis(t)

	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("race-user-%d", i)
		devices := []string{fmt.Sprintf("laptop-%d", i), fmt.Sprintf("phone-%d", i)}

		var wg sync.WaitGroup
		for inst := range devices {
			coord := presence.NewCoordinator(p, noLiveView{})
			wg.Add(1)
			go func(c *presence.Coordinator, connID string) {
				defer wg.Done()
				if _, err := c.Connect(context.Background(), user, connID, ""); err != nil {
					t.Errorf("connect %s/%s: %v", user, connID, err)
				}
			}(coord, devices[inst])
		}
		wg.Wait()

		if !isOnline(t, p, user) {
			t.Fatalf("%s has live connections but is not in the online index", user)
		}

		// Both devices dropping together must flip it back off.
		coord := presence.NewCoordinator(p, noLiveView{})
		for inst := range devices {
			wg.Add(1)
			go func(connID string) {
				defer wg.Done()
				if err := coord.Disconnect(context.Background(), user, connID, ""); err != nil {
					t.Errorf("disconnect %s/%s: %v", user, connID, err)
				}
			}(devices[inst])
		}
		wg.Wait()

		if isOnline(t, p, user) {
			t.Fatalf("%s has no connections left but is still in the online index", user)
		}
	}
}

func isOnline(t *testing.T, p *RedisPresence, user string) bool {
	t.Helper()
	online, err := p.OnlineUsers(context.Background())
	if err != nil {
		t.Fatalf("online users: %v", err)
	}
	for _, u := range online {
		if u == user {
			return true
		}
	}
	return false
}
