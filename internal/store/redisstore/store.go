package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix = "supportbot:chatlock:"

	// the holder renews the key every LockTTL/3 until unlock, so the TTL only
	// bounds how long a crashed process keeps a chat blocked
	defaultLockTTL  = 30 * time.Second
	defaultLockPoll = 25 * time.Millisecond
)

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only when it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Store struct {
	rdb *redis.Client

	LockTTL  time.Duration
	LockPoll time.Duration
}

func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewWithClient(rdb), nil
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, LockTTL: defaultLockTTL, LockPoll: defaultLockPoll}
}

func (s *Store) Close() error { return s.rdb.Close() }

func lockKey(chatID string) string { return lockPrefix + chatID }

// Lock takes the chat's turn lock shared by every server process, waiting
// until it is free or ctx is done.
func (s *Store) Lock(ctx context.Context, chatID string) (func(), error) {
	key := lockKey(chatID)
	token := ulid.Make().String()

	ticker := time.NewTicker(s.LockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.LockTTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire chat lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.keepAlive(context.WithoutCancel(ctx), key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// release even if the turn's ctx is already cancelled
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, s.rdb, []string{key}, token).Err()
		})
	}, nil
}

// keepAlive pushes the lock's expiry forward until stop is closed or the key
// no longer carries token.
func (s *Store) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := s.LockTTL / 3
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(ctx, every)
		n, err := renewScript.Run(rctx, s.rdb, []string{key}, token, s.LockTTL.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}
