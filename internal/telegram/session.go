package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateAwaitingPrompt SessionState = "awaiting_prompt"
	StateAwaitingSize   SessionState = "awaiting_size"
	StateAwaitingCoupon SessionState = "awaiting_coupon"
)

// Session is the short-lived conversation state of one chat.
type Session struct {
	State  SessionState `json:"state"`
	Prompt string       `json:"prompt,omitempty"`
}

func idleSession() *Session {
	return &Session{State: StateIdle}
}

// SessionStore keeps sessions keyed by chat id. Get never returns nil.
type SessionStore interface {
	Get(ctx context.Context, chatID int64) (*Session, error)
	Set(ctx context.Context, chatID int64, session *Session) error
	Reset(ctx context.Context, chatID int64) error
}

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore is the single-instance session store.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[int64]memoryEntry
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[int64]memoryEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, chatID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[chatID]
	if !ok {
		return idleSession(), nil
	}
	if m.ttl > 0 && !m.now().Before(entry.expiresAt) {
		delete(m.sessions, chatID)
		return idleSession(), nil
	}
	s := entry.session
	return &s, nil
}

func (m *MemoryStore) Set(_ context.Context, chatID int64, session *Session) error {
	m.mu.Lock()
	m.sessions[chatID] = memoryEntry{session: *session, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, chatID int64) error {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
	return nil
}

// RedisStore shares sessions between bot instances.
type RedisStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client goredis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "imagebot:session:"}
}

func (r *RedisStore) key(chatID int64) string {
	return fmt.Sprintf("%s%d", r.prefix, chatID)
}

func (r *RedisStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key(chatID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return idleSession(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Set(ctx context.Context, chatID int64, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(chatID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (r *RedisStore) Reset(ctx context.Context, chatID int64) error {
	if err := r.client.Del(ctx, r.key(chatID)).Err(); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}
