package broker

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskworks/docgen/internal/config"
)

func TestNextState(t *testing.T) {
	tests := []struct {
		name    string
		current State
		attempt int
		max     int
		ok      bool
		want    State
	}{
		{"first attempt succeeds", StateConnecting, 1, 5, true, StateReady},
		{"first attempt fails", StateConnecting, 1, 5, false, StateRetrying},
		{"mid retry fails", StateRetrying, 3, 5, false, StateRetrying},
		{"retry succeeds", StateRetrying, 3, 5, true, StateReady},
		{"last attempt fails", StateRetrying, 5, 5, false, StateDegraded},
		{"beyond max fails", StateRetrying, 6, 5, false, StateDegraded},
		{"degraded is permanent even on ok", StateDegraded, 7, 5, true, StateDegraded},
		{"degraded is permanent on failure", StateDegraded, 7, 5, false, StateDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextState(tt.current, tt.attempt, tt.max, tt.ok))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "retrying", StateRetrying.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "degraded", StateDegraded.String())
}

func unreachableConfig() config.BrokerConfig {
	return config.BrokerConfig{
		// TEST-NET-1 address, nothing listens there.
		URL:            "redis://192.0.2.1:6379",
		Enabled:        true,
		MaxAttempts:    3,
		RetryInterval:  10 * time.Millisecond,
		MaxRetryDelay:  15 * time.Millisecond,
		CommandTimeout: 50 * time.Millisecond,
	}
}

func TestDo_Disabled(t *testing.T) {
	c, err := New(config.BrokerConfig{Enabled: false})
	require.NoError(t, err)

	err = c.Do(context.Background(), func(ctx context.Context, rdb *redis.Client) error {
		t.Fatal("fn must not run when broker is disabled")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	st := c.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Available)
}

func TestDo_DegradesAfterExhaustedRetries(t *testing.T) {
	c, err := New(unreachableConfig())
	require.NoError(t, err)

	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	err = c.Do(context.Background(), func(ctx context.Context, rdb *redis.Client) error {
		t.Fatal("fn must not run against an unreachable broker")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	st := c.Status()
	assert.Equal(t, "degraded", st.State)
	assert.Equal(t, 3, st.Attempts)
	assert.False(t, st.Available)

	// Linear backoff capped at MaxRetryDelay; no sleep after the final attempt.
	require.Len(t, slept, 2)
	assert.Equal(t, 10*time.Millisecond, slept[0])
	assert.Equal(t, 15*time.Millisecond, slept[1])
}

func TestDo_DegradedIsPermanent(t *testing.T) {
	c, err := New(unreachableConfig())
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}

	_ = c.Do(context.Background(), func(ctx context.Context, rdb *redis.Client) error { return nil })
	require.Equal(t, "degraded", c.Status().State)

	// A second call must fail fast without dialing again.
	start := time.Now()
	err = c.Do(context.Background(), func(ctx context.Context, rdb *redis.Client) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 3, c.Status().Attempts)
}

func TestHealthCheck_Degraded(t *testing.T) {
	c, err := New(unreachableConfig())
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}

	assert.False(t, c.HealthCheck(context.Background()))
}

func TestBackoffDelay_Capped(t *testing.T) {
	c := &Conn{retryInterval: 500 * time.Millisecond, maxRetryDelay: 5 * time.Second}

	assert.Equal(t, 500*time.Millisecond, c.backoffDelay(1))
	assert.Equal(t, 2500*time.Millisecond, c.backoffDelay(5))
	assert.Equal(t, 5*time.Second, c.backoffDelay(11))
	assert.Equal(t, 5*time.Second, c.backoffDelay(100))
}
