// Package lease keeps a single executor claiming for an account at a time.
// Claims stay race-safe without it; the lease only avoids wasted work and
// duplicate gateway sessions.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// refreshScript extends the lease only if this owner still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease keyed by account.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	held   bool
}

func NewRedisLease(addr, password, accountID string, ttl time.Duration) *RedisLease {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return newRedisLease(rdb, accountID, ttl)
}

func newRedisLease(client *redis.Client, accountID string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    "ordersync:lease:" + accountID,
		owner:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Owner is the token identifying this process as lease holder.
func (l *RedisLease) Owner() string {
	return l.owner
}

// Acquire takes the lease if it is free or extends it if already held.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	if l.held {
		n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, err
		}
		if n == 1 {
			return true, nil
		}
		log.Warn().Str("key", l.key).Msg("consumer lease lost")
		l.held = false
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().Str("key", l.key).Str("owner", l.owner).Msg("consumer lease acquired")
	}
	l.held = ok
	return ok, nil
}

// Release gives the lease up if this process holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (l *RedisLease) Close() error {
	return l.client.Close()
}
