package review

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoEditPending is returned when a confirm arrives with no staged edit.
var ErrNoEditPending = errors.New("review: no edit pending")

// PendingEdit is replacement text a reviewer typed, staged until they
// confirm or cancel.
type PendingEdit struct {
	RequestID uuid.UUID `json:"request_id"`
	Content   string    `json:"content"`
}

// EditState stages typed edits per reviewer. Entries expire on their own;
// a stale entry simply means the reviewer has to retype.
type EditState interface {
	Set(ctx context.Context, userID string, e PendingEdit, ttl time.Duration) error
	Get(ctx context.Context, userID string) (*PendingEdit, error)
	Clear(ctx context.Context, userID string) error
}

// RedisEditState stores staged edits under a TTL key per reviewer so the
// flow survives process restarts.
type RedisEditState struct {
	rdb *redis.Client
}

// NewRedisEditState wraps the given client.
func NewRedisEditState(rdb *redis.Client) *RedisEditState {
	return &RedisEditState{rdb: rdb}
}

func editKey(userID string) string {
	return "review:edit:" + userID
}

func (s *RedisEditState) Set(ctx context.Context, userID string, e PendingEdit, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, editKey(userID), raw, ttl).Err()
}

func (s *RedisEditState) Get(ctx context.Context, userID string) (*PendingEdit, error) {
	raw, err := s.rdb.Get(ctx, editKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEditPending
	}
	if err != nil {
		return nil, err
	}
	var e PendingEdit
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisEditState) Clear(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, editKey(userID)).Err()
}

// MemoryEditState backs tests and single-process deployments.
type MemoryEditState struct {
	mu      sync.Mutex
	entries map[string]memoryEdit
}

type memoryEdit struct {
	edit      PendingEdit
	expiresAt time.Time
}

// NewMemoryEditState creates an empty state map.
func NewMemoryEditState() *MemoryEditState {
	return &MemoryEditState{entries: make(map[string]memoryEdit)}
}

func (s *MemoryEditState) Set(_ context.Context, userID string, e PendingEdit, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEdit{edit: e, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryEditState) Get(_ context.Context, userID string) (*PendingEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.entries, userID)
		return nil, ErrNoEditPending
	}
	e := entry.edit
	return &e, nil
}

func (s *MemoryEditState) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}
