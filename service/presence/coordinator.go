package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/model"
)

// Store is the shared presence store. All implementations must provide
// per-key atomicity; the coordinator holds no lock of its own.
type Store interface {
	Connections(ctx context.Context, user string) ([]string, error)
	AddConnection(ctx context.Context, user, connID string) (size int64, err error)
	RemoveConnection(ctx context.Context, user, connID string) (remaining int64, err error)
	RemoveConnections(ctx context.Context, user string, connIDs []string) error
	SetOnline(ctx context.Context, user string) error
	SetOffline(ctx context.Context, user string) error
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Cluster is the slice of the fan-out bus the coordinator needs: a
// broadcast channel and a cluster-wide view of live connection ids.
type Cluster interface {
	Broadcast(event string, payload any) error
	LiveConnections(ctx context.Context, userID string) ([]string, error)
}

// Coordinator maintains the eventually-consistent cross-instance view of
// who is online. Status is derived strictly from connection-set
// emptiness, never from a last-known-status flag, so concurrent
// connect/disconnect on different instances cannot split-brain it.
type Coordinator struct {
	store   Store
	cluster Cluster
}

func NewCoordinator(store Store, cluster Cluster) *Coordinator {
	return &Coordinator{store: store, cluster: cluster}
}

// Connect reconciles presence for a new connection and returns the
// point-in-time snapshot to push to it (other users only). A store
// failure degrades to best-effort: the error is returned for logging but
// the handshake must not be failed on it.
func (c *Coordinator) Connect(ctx context.Context, userID, connID, displayName string) (*model.PresenceSnapshotEvent, error) {
	// Read the stored set and the cluster-wide live view concurrently.
	type liveResult struct {
		ids []string
		err error
	}
	liveCh := make(chan liveResult, 1)
	go func() {
		ids, err := c.cluster.LiveConnections(ctx, userID)
		liveCh <- liveResult{ids: ids, err: err}
	}()

	stored, err := c.store.Connections(ctx, userID)
	if err != nil {
		<-liveCh
		return nil, err
	}
	live := <-liveCh
	if live.err != nil {
		logger.Warn("presence: liveness query failed, skipping stale-id sweep",
			zap.String("user", userID), zap.Error(live.err))
	} else if stale := diff(stored, live.ids, connID); len(stale) > 0 {
		// Dangling ids left behind by a crashed instance.
		if err := c.store.RemoveConnections(ctx, userID, stale); err != nil {
			return nil, err
		}
		logger.Info("presence: swept stale connection ids",
			zap.String("user", userID), zap.Int("count", len(stale)))
	}

	size, err := c.store.AddConnection(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	if size == 1 {
		// First live connection anywhere: the user just came online.
		if err := c.store.SetOnline(ctx, userID); err != nil {
			return nil, err
		}
		c.broadcastChange(userID, model.StatusOnline, displayName)
	}

	snapshot, err := c.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Disconnect removes the connection and flips the user offline when the
// resulting set is empty. Called exactly once per connection, clean or
// abrupt.
func (c *Coordinator) Disconnect(ctx context.Context, userID, connID, displayName string) error {
	remaining, err := c.store.RemoveConnection(ctx, userID, connID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := c.store.SetOffline(ctx, userID); err != nil {
			return err
		}
		c.broadcastChange(userID, model.StatusOffline, displayName)
	}
	return nil
}

// Snapshot returns the current presence table excluding the given user.
// It is a point-in-time read, not a subscription; later changes arrive
// only via the broadcast.
func (c *Coordinator) Snapshot(ctx context.Context, excludeUser string) (*model.PresenceSnapshotEvent, error) {
	online, err := c.store.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make(map[string]string, len(online))
	for _, u := range online {
		if u == excludeUser {
			continue
		}
		users[u] = model.StatusOnline
	}
	return &model.PresenceSnapshotEvent{Users: users}, nil
}

func (c *Coordinator) broadcastChange(userID, status, displayName string) {
	err := c.cluster.Broadcast(model.EventPresenceChanged, model.PresenceChangedEvent{
		UserID: userID,
		Status: status,
		Name:   displayName,
	})
	if err != nil {
		logger.Warn("presence: change broadcast failed",
			zap.String("user", userID), zap.String("status", status), zap.Error(err))
	}
}

// diff returns the stored ids not present in live, never including keep.
// keep is the id being added right now: a reconnect racing an in-flight
// sweep must not have its fresh id classified as stale.
func diff(stored, live []string, keep string) []string {
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}
	var stale []string
	for _, id := range stored {
		if id == keep {
			continue
		}
		if _, ok := liveSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}
