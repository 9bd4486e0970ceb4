package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/scholarstream/application-service/internal/domain"
)

// StagingStore persists each moderator's staging map between requests.
type StagingStore interface {
	Load(ctx context.Context, moderatorID string) (StagingMap, error)
	Stage(ctx context.Context, moderatorID string, id uuid.UUID, status domain.ApplicationStatus) error
	Unstage(ctx context.Context, moderatorID string, ids ...uuid.UUID) error
	// UnstageCommitted removes each entry only if it still holds the status
	// that was committed, so a change re-staged meanwhile survives.
	UnstageCommitted(ctx context.Context, moderatorID string, committed StagingMap) error
	Clear(ctx context.Context, moderatorID string) error
}

// RedisStagingStore keeps one hash per moderator: field = application id,
// value = staged status.
type RedisStagingStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStagingStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStagingStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "scholarstream"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStagingStore{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (s *RedisStagingStore) key(moderatorID string) string {
	return fmt.Sprintf("%s:staging:%s", s.prefix, strings.TrimSpace(moderatorID))
}

func (s *RedisStagingStore) Load(ctx context.Context, moderatorID string) (StagingMap, error) {
	raw, err := s.client.HGetAll(ctx, s.key(moderatorID)).Result()
	if err != nil {
		return nil, err
	}
	staged := make(StagingMap, len(raw))
	for field, value := range raw {
		id, parseErr := uuid.Parse(field)
		if parseErr != nil {
			log.Printf("level=warn component=staging_store msg=\"dropping malformed staged id\" moderator=%s field=%q", moderatorID, field)
			continue
		}
		staged.Stage(id, domain.ApplicationStatus(value))
	}
	return staged, nil
}

func (s *RedisStagingStore) Stage(ctx context.Context, moderatorID string, id uuid.UUID, status domain.ApplicationStatus) error {
	key := s.key(moderatorID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, id.String(), string(status))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStagingStore) Unstage(ctx context.Context, moderatorID string, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, 0, len(ids))
	for _, id := range ids {
		fields = append(fields, id.String())
	}
	return s.client.HDel(ctx, s.key(moderatorID), fields...).Err()
}

// unstageIfUnchanged takes field/value pairs in ARGV.
var unstageIfUnchanged = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
	if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[i + 1] then
		removed = removed + redis.call('HDEL', KEYS[1], ARGV[i])
	end
end
return removed
`)

func (s *RedisStagingStore) UnstageCommitted(ctx context.Context, moderatorID string, committed StagingMap) error {
	if len(committed) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(committed))
	for id, status := range committed {
		args = append(args, id.String(), string(status))
	}
	return unstageIfUnchanged.Run(ctx, s.client, []string{s.key(moderatorID)}, args...).Err()
}

func (s *RedisStagingStore) Clear(ctx context.Context, moderatorID string) error {
	return s.client.Del(ctx, s.key(moderatorID)).Err()
}

// MemoryStagingStore is the single-process fallback used without Redis.
type MemoryStagingStore struct {
	mu     sync.Mutex
	staged map[string]StagingMap
}

func NewMemoryStagingStore() *MemoryStagingStore {
	return &MemoryStagingStore{staged: make(map[string]StagingMap)}
}

func (s *MemoryStagingStore) Load(ctx context.Context, moderatorID string) (StagingMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(StagingMap, len(s.staged[moderatorID]))
	for id, status := range s.staged[moderatorID] {
		out[id] = status
	}
	return out, nil
}

func (s *MemoryStagingStore) Stage(ctx context.Context, moderatorID string, id uuid.UUID, status domain.ApplicationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged[moderatorID] == nil {
		s.staged[moderatorID] = make(StagingMap)
	}
	s.staged[moderatorID].Stage(id, status)
	return nil
}

func (s *MemoryStagingStore) Unstage(ctx context.Context, moderatorID string, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.staged[moderatorID], id)
	}
	return nil
}

func (s *MemoryStagingStore) UnstageCommitted(ctx context.Context, moderatorID string, committed StagingMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.staged[moderatorID]
	for id, status := range committed {
		if current, ok := staged[id]; ok && current == status {
			delete(staged, id)
		}
	}
	return nil
}

func (s *MemoryStagingStore) Clear(ctx context.Context, moderatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, moderatorID)
	return nil
}
