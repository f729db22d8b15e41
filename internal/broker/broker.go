package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskworks/docgen/internal/config"
)

// ErrUnavailable is returned by Do when the broker is disabled or degraded.
// Callers treat it as "skip this feature", never as a crash.
var ErrUnavailable = errors.New("broker unavailable")

// Status is an operational snapshot of the connection.
type Status struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Attempts  int    `json:"attempts"`
	State     string `json:"state"`
}

// Conn wraps a Redis client with lazy connect, bounded retry and a permanent
// degraded flag. Constructed once at startup and passed by reference; it is
// never per-request. Safe for concurrent use.
type Conn struct {
	client *redis.Client

	enabled       bool
	maxAttempts   int
	retryInterval time.Duration
	maxRetryDelay time.Duration
	cmdTimeout    time.Duration

	// sleep is swappable in tests.
	sleep func(time.Duration)

	mu       sync.Mutex
	state    State
	attempts int
}

// New parses the broker URL and builds the wrapper. No network I/O happens
// here; the first Do call dials.
func New(cfg config.BrokerConfig) (*Conn, error) {
	c := &Conn{
		enabled:       cfg.Enabled,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
		maxRetryDelay: cfg.MaxRetryDelay,
		cmdTimeout:    cfg.CommandTimeout,
		sleep:         time.Sleep,
		state:         StateIdle,
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}

	if !cfg.Enabled {
		return c, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	c.client = redis.NewClient(opts)
	return c, nil
}

// Available reports whether commands can currently be issued without dialing.
func (c *Conn) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.state == StateReady
}

// Status returns an operational snapshot for diagnostics endpoints.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:   c.enabled,
		Available: c.enabled && c.state == StateReady,
		Attempts:  c.attempts,
		State:     c.state.String(),
	}
}

// Do runs fn against the broker with the configured command timeout. When the
// broker is disabled or degraded it returns ErrUnavailable without touching
// the network.
func (c *Conn) Do(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	client, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	if c.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cmdTimeout)
		defer cancel()
	}
	return fn(ctx, client)
}

// DoBlocking runs fn without the command timeout, for blocking reads such as
// BRPOP where the caller controls its own deadline.
func (c *Conn) DoBlocking(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	client, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

// HealthCheck pings the broker. A degraded or disabled conn reports false
// without dialing.
func (c *Conn) HealthCheck(ctx context.Context) bool {
	err := c.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Ping(ctx).Err()
	})
	return err == nil
}

// Close releases the underlying client.
func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// ensure lazily establishes the connection, retrying with linear backoff
// capped at maxRetryDelay. Once attempts are exhausted the conn is degraded
// for the rest of the process lifetime.
func (c *Conn) ensure(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, ErrUnavailable
	}

	switch c.state {
	case StateReady:
		return c.client, nil
	case StateDegraded:
		return nil, ErrUnavailable
	}

	for c.state != StateReady && c.state != StateDegraded {
		c.state = StateConnecting

		pingCtx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
		err := c.client.Ping(pingCtx).Err()
		cancel()

		c.attempts++
		c.state = nextState(c.state, c.attempts, c.maxAttempts, err == nil)

		switch c.state {
		case StateReady:
			slog.Info("broker connected", "attempts", c.attempts)
			return c.client, nil
		case StateDegraded:
			slog.Error("broker unreachable, entering degraded mode",
				"attempts", c.attempts, "error", err)
			return nil, ErrUnavailable
		case StateRetrying:
			delay := c.backoffDelay(c.attempts)
			slog.Warn("broker connect failed, retrying",
				"attempt", c.attempts, "delay", delay, "error", err)
			c.sleep(delay)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, ErrUnavailable
}

// backoffDelay grows linearly with the attempt count and is capped.
func (c *Conn) backoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * c.retryInterval
	if d > c.maxRetryDelay {
		return c.maxRetryDelay
	}
	return d
}
