package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL = 3 * time.Minute
	// leaseRefreshes is how many missed refreshes the lease survives.
	leaseRefreshes = 3
)

// redisClient is the subset of *redis.Client the transport relies on.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type RedisOptions struct {
	// Broker is either host:port or a redis:// URL.
	Broker   string
	Username string
	Password string
	// LeaseTTL is how long a retained message on the will topic stays
	// readable without being refreshed.
	LeaseTTL time.Duration
	Timeout  time.Duration
}

// RedisTransport maps retained messages onto keys and plain messages onto
// PUBLISH. Redis has no last will, so the retained message on the will topic
// expires after LeaseTTL and the will payload is stored under
// "<topic>/will" for readers to fall back on.
type RedisTransport struct {
	client   redisClient
	leaseTTL time.Duration
	timeout  time.Duration
	will     *Message
	refresh  time.Duration
	closed   bool
	mu       sync.Mutex
}

func NewRedisTransport(opts RedisOptions) (*RedisTransport, error) {
	var redisOpts *redis.Options
	if strings.Contains(opts.Broker, "://") {
		parsed, err := redis.ParseURL(opts.Broker)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: opts.Broker}
	}
	if opts.Username != "" {
		redisOpts.Username = opts.Username
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}

	return newRedisTransport(redis.NewClient(redisOpts), opts), nil
}

func newRedisTransport(client redisClient, opts RedisOptions) *RedisTransport {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &RedisTransport{
		client:   client,
		leaseTTL: opts.LeaseTTL,
		timeout:  opts.Timeout,
	}
}

// WillKey is where the will payload registered for topic is stored.
func WillKey(topic string) string {
	return topic + "/will"
}

func (t *RedisTransport) Connect(ctx context.Context, will *Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.client.Ping(ctx).Err(); err != nil {
		return &Error{Kind: ErrorKindConnect, Cause: err}
	}

	if will != nil {
		if err := t.client.Set(ctx, WillKey(will.Topic), will.Payload, 0).Err(); err != nil {
			return &Error{Kind: ErrorKindConnect, Topic: will.Topic, Cause: err}
		}
	}

	t.mu.Lock()
	t.will = will
	t.mu.Unlock()
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.checkOpen(topic); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return t.publishError(topic, err)
	}
	return nil
}

func (t *RedisTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if err := t.checkOpen(topic); err != nil {
		return err
	}

	var expiration time.Duration
	t.mu.Lock()
	if t.will != nil && t.will.Topic == topic {
		expiration = t.lease()
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.client.Set(ctx, topic, payload, expiration).Err(); err != nil {
		return t.publishError(topic, err)
	}
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return t.publishError(topic, err)
	}
	return nil
}

// RefreshEvery records how often the will topic is republished. The lease
// is stretched to outlive leaseRefreshes such periods when LeaseTTL is
// shorter.
func (t *RedisTransport) RefreshEvery(every time.Duration) {
	t.mu.Lock()
	t.refresh = every
	t.mu.Unlock()
}

func (t *RedisTransport) lease() time.Duration {
	if l := leaseRefreshes * t.refresh; l > t.leaseTTL {
		return l
	}
	return t.leaseTTL
}

func (t *RedisTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.client.Close(); err != nil {
		return &Error{Kind: ErrorKindClosed, Cause: err}
	}
	return nil
}

func (t *RedisTransport) checkOpen(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &Error{Kind: ErrorKindClosed, Topic: topic}
	}
	return nil
}

func (t *RedisTransport) publishError(topic string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: ErrorKindTimeout, Topic: topic, Cause: err}
	}
	return &Error{Kind: ErrorKindPublish, Topic: topic, Cause: err}
}
