package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when acquiring a lock someone else holds
var ErrNotHeld = errors.New("lock held by another owner")

// Locker hands out short-lived exclusive locks. Acquire returns a release
// func that is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisLocker implements Locker with SET NX PX and a token-checked delete
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects using a redis:// URL
func NewRedisLocker(url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLocker{client: redis.NewClient(opts)}, nil
}

// Ping checks the connection
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire sets key if absent for ttl
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrNotHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Detached from ctx so a cancelled unit still releases its lock
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// MemoryLocker implements Locker inside one process
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	next  uint64
	now   func() time.Time
}

type memLock struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock), now: time.Now}
}

// Acquire takes key unless a live lock exists
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.locks[key]; ok && now.Before(cur.expires) {
		return nil, ErrNotHeld
	}
	l.next++
	token := l.next
	l.locks[key] = memLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.locks[key]; ok && cur.token == token {
				delete(l.locks, key)
			}
		})
	}, nil
}
