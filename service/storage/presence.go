package storage

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// Presence keys:
//
//	chat:conns:<user>  SET of live connection ids for the user
//	chat:online        SET of user ids whose connection set is non-empty
//
// Only single-key set operations are used. Add and remove pair the
// mutation with the resulting cardinality in one MULTI/EXEC so that
// concurrent connects/disconnects from different gateway instances each
// see a distinct set size; the online index is flipped exclusively on
// the empty<->non-empty transition that exactly one of them observes.
const (
	connsKeyPrefix = "chat:conns:"
	onlineKey      = "chat:online"
)

func connsKey(user string) string { return connsKeyPrefix + user }

// RedisPresence is the shared presence store backed by Redis.
type RedisPresence struct{}

func NewRedisPresence() *RedisPresence { return &RedisPresence{} }

// Connections returns the stored connection-id set for a user. The set
// may contain dangling ids from crashed instances; callers reconcile.
func (p *RedisPresence) Connections(ctx context.Context, user string) ([]string, error) {
	ids, err := GetRedis().SMembers(ctx, connsKey(user)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return ids, nil
}

// AddConnection adds a connection id and returns the resulting set size.
// The add and the count run in one transaction, so concurrent first
// connects cannot both observe a size above 1.
func (p *RedisPresence) AddConnection(ctx context.Context, user, connID string) (int64, error) {
	var card *redis.IntCmd
	_, err := GetRedis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, connsKey(user), connID)
		card = pipe.SCard(ctx, connsKey(user))
		return nil
	})
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return card.Val(), nil
}

// RemoveConnection removes a connection id and returns the remaining
// set size, transactionally for the same reason as AddConnection.
func (p *RedisPresence) RemoveConnection(ctx context.Context, user, connID string) (int64, error) {
	var card *redis.IntCmd
	_, err := GetRedis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, connsKey(user), connID)
		card = pipe.SCard(ctx, connsKey(user))
		return nil
	})
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return card.Val(), nil
}

// RemoveConnections drops a batch of stale ids (self-healing after an
// ungraceful instance death).
func (p *RedisPresence) RemoveConnections(ctx context.Context, user string, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(connIDs))
	for i, id := range connIDs {
		members[i] = id
	}
	if err := GetRedis().SRem(ctx, connsKey(user), members...).Err(); err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return nil
}

// SetOnline / SetOffline flip the online index. Called only on
// emptiness transitions of the connection set.
func (p *RedisPresence) SetOnline(ctx context.Context, user string) error {
	if err := GetRedis().SAdd(ctx, onlineKey, user).Err(); err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (p *RedisPresence) SetOffline(ctx context.Context, user string) error {
	if err := GetRedis().SRem(ctx, onlineKey, user).Err(); err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return nil
}

// OnlineUsers returns the point-in-time set of online user ids.
func (p *RedisPresence) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := GetRedis().SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return users, nil
}
