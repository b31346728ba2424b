package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gokatarajesh/quiz-live/internal/subscription"
)

// Identity is the persisted seat of a host or participant. It lives for
// the session only: written on open, dropped on close or quiz end.
type Identity struct {
	Name          string            `json:"name"`
	SessionCode   string            `json:"sessionCode"`
	ParticipantID string            `json:"participantId"`
	Token         string            `json:"token"`
	Role          subscription.Role `json:"role"`
}

// IdentityStore persists identities keyed by session code.
type IdentityStore interface {
	Load(ctx context.Context, code string) (Identity, bool, error)
	Save(ctx context.Context, id Identity) error
	Delete(ctx context.Context, code string) error
}

// MemoryStore keeps identities for the life of the process.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]Identity)}
}

func (s *MemoryStore) Load(_ context.Context, code string) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[code]
	return id, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id.SessionCode] = id
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, code)
	return nil
}

const identityKeyPrefix = "quizlive:identity:"

// RedisStore keeps identities in Redis with a TTL so an abandoned session
// does not leave a seat behind.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, code string) (Identity, bool, error) {
	raw, err := s.client.Get(ctx, identityKeyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("load identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return id, true, nil
}

func (s *RedisStore) Save(ctx context.Context, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.client.Set(ctx, identityKeyPrefix+id.SessionCode, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, identityKeyPrefix+code).Err(); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
