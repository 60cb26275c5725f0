package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statePrefix    = "oauth:state:"
	exchangePrefix = "oauth:exchange:"
)

// State is the server-side half of one authorization attempt. It is consumed exactly once.
type State struct {
	Value       string    `json:"state"`
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri"`
	Nonce       string    `json:"nonce"`
	Verifier    string    `json:"code_verifier,omitempty"`
	ReturnTo    string    `json:"return_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Exchange maps a short-lived one-time code to platform credentials so tokens never
// travel in redirect URLs.
type Exchange struct {
	Code        string    `json:"code"`
	AccessToken string    `json:"access_token"`
	SessionID   string    `json:"session_id,omitempty"`
	UserID      int64     `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StateStore keeps pending authorization attempts.
type StateStore interface {
	SaveState(ctx context.Context, st State, ttl time.Duration) error
	ConsumeState(ctx context.Context, value string) (State, error)
}

// ExchangeStore keeps one-time exchange codes.
type ExchangeStore interface {
	PutExchange(ctx context.Context, ex Exchange, ttl time.Duration) error
	TakeExchange(ctx context.Context, code string) (Exchange, error)
}

var (
	_ StateStore    = (*MemoryStore)(nil)
	_ ExchangeStore = (*MemoryStore)(nil)
	_ StateStore    = (*RedisStore)(nil)
	_ ExchangeStore = (*RedisStore)(nil)
)

// MemoryStore is a single-process store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) SaveState(_ context.Context, st State, ttl time.Duration) error {
	return s.put(statePrefix+st.Value, st, ttl)
}

func (s *MemoryStore) ConsumeState(_ context.Context, value string) (State, error) {
	var st State
	if err := s.take(statePrefix+value, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *MemoryStore) PutExchange(_ context.Context, ex Exchange, ttl time.Duration) error {
	return s.put(exchangePrefix+ex.Code, ex, ttl)
}

func (s *MemoryStore) TakeExchange(_ context.Context, code string) (Exchange, error) {
	var ex Exchange
	if err := s.take(exchangePrefix+code, &ex); err != nil {
		return Exchange{}, err
	}
	return ex, nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, item := range s.items {
		if !now.Before(item.expiresAt) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) put(key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("oauth: ttl must be positive")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("oauth: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{payload: payload, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) take(key string, dst any) error {
	s.mu.Lock()
	item, ok := s.items[key]
	delete(s.items, key)
	now := s.now()
	s.mu.Unlock()

	if !ok || !now.Before(item.expiresAt) {
		return ErrNotFound
	}
	return json.Unmarshal(item.payload, dst)
}

// RedisStore shares pending states and exchange codes across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. keyPrefix namespaces the keys.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) SaveState(ctx context.Context, st State, ttl time.Duration) error {
	return s.put(ctx, statePrefix+st.Value, st, ttl)
}

func (s *RedisStore) ConsumeState(ctx context.Context, value string) (State, error) {
	var st State
	if err := s.take(ctx, statePrefix+value, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *RedisStore) PutExchange(ctx context.Context, ex Exchange, ttl time.Duration) error {
	return s.put(ctx, exchangePrefix+ex.Code, ex, ttl)
}

func (s *RedisStore) TakeExchange(ctx context.Context, code string) (Exchange, error) {
	var ex Exchange
	if err := s.take(ctx, exchangePrefix+code, &ex); err != nil {
		return Exchange{}, err
	}
	return ex, nil
}

func (s *RedisStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("oauth: ttl must be positive")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("oauth: encode: %w", err)
	}
	return s.client.Set(ctx, s.prefix+key, payload, ttl).Err()
}

// take reads and deletes atomically so a value can be used only once.
func (s *RedisStore) take(ctx context.Context, key string, dst any) error {
	data, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, dst)
}
