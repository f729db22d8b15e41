package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/riskworks/docgen/internal/broker"
	"github.com/riskworks/docgen/internal/config"
	"github.com/riskworks/docgen/pkg/models"
)

// setupQueue spins up a Redis container and returns a connected Queue.
func setupQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	conn, err := broker.New(config.BrokerConfig{
		URL:            "redis://" + host + ":" + port.Port(),
		Enabled:        true,
		MaxAttempts:    3,
		RetryInterval:  100 * time.Millisecond,
		MaxRetryDelay:  time.Second,
		CommandTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close()) })

	return New(conn, 3, 2*time.Second)
}

func TestDomainState(t *testing.T) {
	assert.Equal(t, models.StatePending, DomainState(JobWaiting))
	assert.Equal(t, models.StatePending, DomainState(JobDelayed))
	assert.Equal(t, models.StateProcessing, DomainState(JobActive))
	assert.Equal(t, models.StateCompleted, DomainState(JobCompleted))
	assert.Equal(t, models.StateFailed, DomainState(JobFailed))
	assert.Equal(t, models.StatePending, DomainState("???"))
}

func TestEnqueueDequeue_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	payload := map[string]any{"token": "tok-1", "num_positions": 3}
	job, err := q.Enqueue(ctx, "tok-1", payload, Options{Priority: "high"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobWaiting, job.State)
	assert.Equal(t, 3, job.MaxAttempts)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, JobActive, got.State)
	assert.JSONEq(t, `{"token":"tok-1","num_positions":3}`, string(got.Payload))

	// No second job.
	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnqueue_IdempotentWhileNonTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "tok-dup", "payload", Options{})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Enqueue(ctx, "tok-dup", "other payload", Options{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, JobWaiting, second.State)

	counts, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	// The dedup claim expires on its own, so a crash that never wrote the
	// job hash cannot claim the token forever.
	var ttl time.Duration
	require.NoError(t, q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		ttl, err = rdb.TTL(ctx, dedupKey("tok-dup")).Result()
		return err
	}))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, dedupTTL)
}

func TestEnqueue_IdempotentUnderRacingSubmitters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, "tok-race", "payload", Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestEnqueue_AllowedAgainAfterTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "tok-done", "payload", Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, "tok-done", map[string]string{"ok": "yes"}))

	status, err := q.GetStatus(ctx, "tok-done")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.StateCompleted, status.State)

	// Dedup key is released on terminal transition.
	job, err := q.Enqueue(ctx, "tok-done", "payload", Options{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobWaiting, job.State)
}

func TestRetry_ExponentialBackoffThenFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, "tok-retry", "payload", Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// First failure: delayed by 2s.
	retried, err := q.Retry(ctx, "tok-retry", assert.AnError)
	require.NoError(t, err)
	assert.True(t, retried)

	status, err := q.GetStatus(ctx, "tok-retry")
	require.NoError(t, err)
	assert.Equal(t, JobDelayed, status.BrokerState)
	assert.Equal(t, models.StatePending, status.State)
	assert.Equal(t, 1, status.Attempts)

	// Nothing promoted before the backoff elapses.
	moved, err := q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Second failure: delayed by 4s.
	q.now = func() time.Time { return base.Add(3 * time.Second) }
	moved, err = q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	retried, err = q.Retry(ctx, "tok-retry", assert.AnError)
	require.NoError(t, err)
	assert.True(t, retried)

	// Third failure exhausts the allowed attempts.
	q.now = func() time.Time { return base.Add(8 * time.Second) }
	moved, err = q.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	retried, err = q.Retry(ctx, "tok-retry", assert.AnError)
	require.NoError(t, err)
	assert.False(t, retried)

	status, err = q.GetStatus(ctx, "tok-retry")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, assert.AnError.Error(), status.Error)
}

func TestSetProgress_NeverDecreases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "tok-prog", "payload", Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// Concurrent generators can report checkpoints out of order; the lower
	// value must not overwrite the higher one.
	require.NoError(t, q.SetProgress(ctx, "tok-prog", 46))
	require.NoError(t, q.SetProgress(ctx, "tok-prog", 33))

	status, err := q.GetStatus(ctx, "tok-prog")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 46, status.Progress)

	require.NoError(t, q.SetProgress(ctx, "tok-prog", 60))
	status, err = q.GetStatus(ctx, "tok-prog")
	require.NoError(t, err)
	assert.Equal(t, 60, status.Progress)
}

func TestRequeueStalled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, "tok-stall", "payload", Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// Heartbeat is fresh: nothing to requeue.
	moved, err := q.RequeueStalled(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Ten minutes later with no heartbeat the job is considered stalled.
	q.now = func() time.Time { return base.Add(10 * time.Minute) }
	moved, err = q.RequeueStalled(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-stall", got.Token)
}

func TestDrainOld(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, "tok-old", "payload", Options{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, "tok-old", nil))

	// Not yet past retention.
	pruned, err := q.DrainOld(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	pruned, err = q.DrainOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	status, err := q.GetStatus(ctx, "tok-old")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestQueue_DegradedBrokerIsSilentNoop(t *testing.T) {
	conn, err := broker.New(config.BrokerConfig{
		URL:            "redis://192.0.2.1:6379",
		Enabled:        true,
		MaxAttempts:    1,
		RetryInterval:  time.Millisecond,
		MaxRetryDelay:  time.Millisecond,
		CommandTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	q := New(conn, 3, 2*time.Second)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "tok-x", "payload", Options{})
	require.NoError(t, err)
	assert.Nil(t, job)

	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	counts, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Nil(t, counts)

	require.NoError(t, q.SetProgress(ctx, "tok-x", 50))
	require.NoError(t, q.Fail(ctx, "tok-x", "boom"))
	assert.False(t, q.Available())
}

func TestShutdown_RejectsEnqueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t)
	q.Shutdown()

	job, err := q.Enqueue(context.Background(), "tok-late", "payload", Options{})
	require.NoError(t, err)
	assert.Nil(t, job)
}
