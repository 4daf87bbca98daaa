package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// Lease scripts compare the stored owner value before touching the key, so a
// holder whose lease expired and was re-granted can never affect the new one.
var (
	// releaseScript deletes the key only if it still holds ARGV[1].
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// renewScript resets the TTL only if the key still holds ARGV[1].
	renewScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// LeaseTracker implements lease.Tracker on Redis for distributed pool mode.
// Force-expiry is the key's own TTL: an overdue lease vanishes and the next
// Acquire succeeds.
type LeaseTracker struct {
	client    *Client
	keyPrefix string
	logger    *logger.Logger
}

// NewLeaseTracker creates a Redis-backed lease tracker.
func NewLeaseTracker(client *Client, keyPrefix string, log *logger.Logger) (*LeaseTracker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if keyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &LeaseTracker{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    log.With("component", "lease_tracker", "backend", "redis"),
	}, nil
}

func (t *LeaseTracker) buildKey(key string) string {
	return t.keyPrefix + key
}

func ownerValue(l *lease.Lease) string {
	return l.Holder + "/" + l.Token
}

// Acquire grants the lease with SET NX PX or returns lease.ErrBusy.
func (t *LeaseTracker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*lease.Lease, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	l := &lease.Lease{
		Key:    key,
		Token:  uuid.NewString(),
		Holder: holder,
	}
	now := time.Now()

	ok, err := t.client.Client().SetNX(ctx, t.buildKey(key), ownerValue(l), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, lease.ErrBusy
	}

	l.Deadline = now.Add(ttl)
	return l, nil
}

// Renew pushes the deadline to now+ttl if the caller still holds the lease.
func (t *LeaseTracker) Renew(ctx context.Context, l *lease.Lease, ttl time.Duration) error {
	now := time.Now()
	n, err := renewScript.Run(ctx, t.client.Client(),
		[]string{t.buildKey(l.Key)},
		ownerValue(l), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.Key, err)
	}
	if n == 0 {
		t.logger.Warn("lease lost before renewal", "key", l.Key, "holder", l.Holder)
		return lease.ErrExpired
	}

	l.Deadline = now.Add(ttl)
	return nil
}

// Release deletes the lease if the caller still holds it.
func (t *LeaseTracker) Release(ctx context.Context, l *lease.Lease) error {
	n, err := releaseScript.Run(ctx, t.client.Client(),
		[]string{t.buildKey(l.Key)},
		ownerValue(l),
	).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	switch n {
	case 0:
		return lease.ErrExpired
	case 1:
		return nil
	default:
		return fmt.Errorf("release lease %s: %w: %d", l.Key, ErrUnexpectedReply, n)
	}
}

// Holder returns the holder of key, or "" when the key is free.
func (t *LeaseTracker) Holder(ctx context.Context, key string) (string, error) {
	val, err := t.client.Client().Get(ctx, t.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lease %s: %w", key, err)
	}
	for i := len(val) - 1; i >= 0; i-- {
		if val[i] == '/' {
			return val[:i], nil
		}
	}
	return val, nil
}

var _ lease.Tracker = (*LeaseTracker)(nil)
