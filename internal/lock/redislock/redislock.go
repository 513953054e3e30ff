// Package redislock provides a triage.Locker backed by Redis so that only one
// pipeline run per ticket proceeds across every server instance.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

// DefaultTTL bounds how long a crashed holder can block a ticket.
const DefaultTTL = 2 * time.Minute

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds connection settings.
type Config struct {
	URL    string
	TTL    time.Duration
	Prefix string
}

// RegisterFlags binds lock settings to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "redis-url", "", "redis URL for distributed per-ticket locks (empty: in-process locks)")
	fs.DurationVar(&c.TTL, "lock-ttl", DefaultTTL, "expiry of a per-ticket triage lock")
	fs.StringVar(&c.Prefix, "lock-prefix", "deskhand:triage:", "redis key prefix for triage locks")
}

// Validate checks the lock settings.
func (c *Config) Validate() error {
	if c.URL != "" && c.TTL <= 0 {
		return fmt.Errorf("lock-ttl must be > 0, got %v", c.TTL)
	}
	return nil
}

// Locker implements triage.Locker with SET NX PX and a token-checked release.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger log.Logger
}

// New wraps client.
func New(client redis.UniversalClient, ttl time.Duration, prefix string, logger log.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Locker{client: client, ttl: ttl, prefix: prefix, logger: logger}
}

// Dial parses cfg.URL, connects and pings.
func Dial(ctx context.Context, cfg Config, logger log.Logger) (*Locker, *redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, cfg.TTL, cfg.Prefix, logger), client, nil
}

// TryLock implements triage.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := l.prefix + key

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("triage already running for ticket %s: %w", key, triage.ErrConflict)
	}

	return func() {
		// Release must outlive the run's context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Error(ctx, err, "release triage lock", "key", k)
		}
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
