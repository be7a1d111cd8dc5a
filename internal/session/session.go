package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const CookieName = "neurolearn_session"

var ErrNotFound = errors.New("session not found")

// Record is the server-side session state stored under the session id.
type Record struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps sessions in Redis with a TTL. Bearer tokens remain the
// source of truth for API authentication; sessions back the browser
// cookie flow and are destroyed on logout.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Create(ctx context.Context, userID, role string) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(Record{UserID: userID, Role: role, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, key(id), payload, s.ttl).Err(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *Store) Destroy(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, key(id)).Err()
}

func key(id string) string {
	return "session:" + id
}
