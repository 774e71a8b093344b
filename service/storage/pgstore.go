package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// MessageStore is the external persistence contract consumed by the
// relay consumer. The gateway core owns no message rows.
type MessageStore interface {
	Append(ctx context.Context, senderID, receiverID, content string, createdAt time.Time) error
}

// FriendGraph is the external friendship read consumed by the send path.
type FriendGraph interface {
	AreFriends(ctx context.Context, userA, userB string) (bool, error)
}

// PgStore implements MessageStore and FriendGraph against the Postgres
// schema the web application owns.
type PgStore struct {
	pool *pgxpool.Pool
}

func OpenPgStore(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Append(ctx context.Context, senderID, receiverID, content string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (sender_id, receiver_id, content, created_at, read)
		 VALUES ($1, $2, $3, $4, false)`,
		senderID, receiverID, content, createdAt)
	return errors.Wrap(err, "append message")
}

func (s *PgStore) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM friendships
		 WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1)`,
		userA, userB).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "query friendship")
	}
	return n > 0, nil
}

func (s *PgStore) Close() {
	s.pool.Close()
}
