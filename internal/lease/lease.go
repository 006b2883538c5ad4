// Package lease keeps a second bot process for the same account from opening
// its own control connection. The lease is a Redis key holding a random
// token with a TTL that the holder refreshes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

const (
	DefaultTTL = 30 * time.Second
	keyPrefix  = "lishogi-bot:lease:"
)

var (
	ErrHeld = errors.New("lease held by another instance")
	ErrLost = errors.New("lease lost")
)

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

type Lease struct {
	rdb    *redis.Client
	key    string
	token  string
	ttl    time.Duration
	logger *zap.Logger
}

// New prepares a lease for account. Nothing is written until Acquire.
func New(rdb *redis.Client, account string, ttl time.Duration, logger *zap.Logger) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{
		rdb:    rdb,
		key:    keyPrefix + strings.ToLower(strings.TrimSpace(account)),
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: obslog.Or(logger).With(zap.String("component", "lease")),
	}
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Token() string { return l.token }

func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		holder, _ := l.rdb.Get(ctx, l.key).Result()
		l.logger.Warn("lease_held", zap.String("key", l.key), zap.String("holder", holder))
		return ErrHeld
	}
	l.logger.Info("lease_acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return nil
}

// Refresh extends the TTL if the lease is still ours.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the key only if it still holds our token.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	l.logger.Info("lease_released", zap.String("key", l.key))
	return nil
}

// Keep refreshes every ttl/3 until ctx ends or the lease is lost. Transient
// Redis errors are logged and retried on the next tick.
func (l *Lease) Keep(ctx context.Context) error {
	interval := max(l.ttl/3, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		err := l.Refresh(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrLost):
			l.logger.Error("lease_lost", zap.String("key", l.key))
			return err
		case ctx.Err() != nil:
			return nil
		default:
			l.logger.Warn("lease_refresh_failed", zap.Error(err))
		}
	}
}

// ParseRedisURL reads redis://[:password@]host[:port][/db].
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad db %q: %w", p, err)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: host + ":" + port, Password: pass, DB: db}, nil
}
