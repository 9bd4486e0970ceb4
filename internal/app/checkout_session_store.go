package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/scholarstream/application-service/internal/domain"
)

// CheckoutSessionStore keeps per-user checkout saga state between requests.
type CheckoutSessionStore interface {
	Load(ctx context.Context, userID, checkoutID string) (*domain.CheckoutSession, error)
	Save(ctx context.Context, userID string, session *domain.CheckoutSession) error
	// Lock serializes confirmation of one session. It returns ErrCheckoutInProgress
	// when another request already holds the lock.
	Lock(ctx context.Context, userID, checkoutID string, ttl time.Duration) (unlock func(), err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCheckoutSessionStore stores sessions as JSON values with a TTL.
type RedisCheckoutSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCheckoutSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCheckoutSessionStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "scholarstream"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCheckoutSessionStore{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (s *RedisCheckoutSessionStore) key(kind, userID, checkoutID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, kind, strings.TrimSpace(userID), strings.TrimSpace(checkoutID))
}

func (s *RedisCheckoutSessionStore) Load(ctx context.Context, userID, checkoutID string) (*domain.CheckoutSession, error) {
	raw, err := s.client.Get(ctx, s.key("checkout", userID, checkoutID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}
	var session domain.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("corrupt checkout session: %w", err)
	}
	return &session, nil
}

func (s *RedisCheckoutSessionStore) Save(ctx context.Context, userID string, session *domain.CheckoutSession) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("checkout", userID, session.ID), blob, s.ttl).Err()
}

func (s *RedisCheckoutSessionStore) Lock(ctx context.Context, userID, checkoutID string, ttl time.Duration) (func(), error) {
	key := s.key("checkout_lock", userID, checkoutID)
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCheckoutInProgress
	}
	return func() {
		_ = releaseLockScript.Run(context.WithoutCancel(ctx), s.client, []string{key}, token).Err()
	}, nil
}

// MemoryCheckoutSessionStore is used when Redis is not configured. Sessions do
// not survive a restart and are not shared between replicas.
type MemoryCheckoutSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.CheckoutSession
	locks    map[string]struct{}
}

func NewMemoryCheckoutSessionStore() *MemoryCheckoutSessionStore {
	return &MemoryCheckoutSessionStore{
		sessions: make(map[string]domain.CheckoutSession),
		locks:    make(map[string]struct{}),
	}
}

func (s *MemoryCheckoutSessionStore) Load(ctx context.Context, userID, checkoutID string) (*domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID+"|"+checkoutID]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return &session, nil
}

func (s *MemoryCheckoutSessionStore) Save(ctx context.Context, userID string, session *domain.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID+"|"+session.ID] = *session
	return nil
}

func (s *MemoryCheckoutSessionStore) Lock(ctx context.Context, userID, checkoutID string, ttl time.Duration) (func(), error) {
	key := userID + "|" + checkoutID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, ErrCheckoutInProgress
	}
	s.locks[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, nil
}
