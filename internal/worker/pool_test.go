package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskworks/docgen/internal/config"
	"github.com/riskworks/docgen/internal/queue"
)

type fakeSource struct {
	mu       sync.Mutex
	jobs     []*queue.Job
	promoted atomic.Int32
	stalled  atomic.Int32
	drained  atomic.Int32
}

func (f *fakeSource) Dequeue(ctx context.Context, block time.Duration) (*queue.Job, error) {
	f.mu.Lock()
	if len(f.jobs) > 0 {
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		f.mu.Unlock()
		return job, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (f *fakeSource) PromoteDue(context.Context, int64) (int, error) {
	f.promoted.Add(1)
	return 0, nil
}

func (f *fakeSource) RequeueStalled(context.Context, time.Duration, int64) (int, error) {
	f.stalled.Add(1)
	return 0, nil
}

func (f *fakeSource) DrainOld(context.Context) (int, error) {
	f.drained.Add(1)
	return 0, nil
}

type fakeRunner struct {
	tokens chan string
}

func (f *fakeRunner) Run(_ context.Context, job *queue.Job) error {
	f.tokens <- job.Token
	return nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context) bool { return true }

type denyAll struct{ asked atomic.Int32 }

func (d *denyAll) Allow(context.Context) bool {
	d.asked.Add(1)
	return false
}

func poolConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Concurrency:     2,
		MaxJobAttempts:  3,
		StallTimeout:    time.Minute,
		JanitorInterval: 10 * time.Millisecond,
	}
}

func TestPoolRunsDequeuedJobs(t *testing.T) {
	source := &fakeSource{jobs: []*queue.Job{
		{Token: "tok-a"},
		{Token: "tok-b"},
	}}
	runner := &fakeRunner{tokens: make(chan string, 2)}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(source, runner, allowAll{}, poolConfig())
	pool.Start(ctx)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case token := <-runner.tokens:
			got[token] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs to run")
		}
	}
	cancel()
	pool.Wait()

	assert.True(t, got["tok-a"])
	assert.True(t, got["tok-b"])
}

func TestPoolRespectsStartLimiter(t *testing.T) {
	source := &fakeSource{jobs: []*queue.Job{{Token: "tok-a"}}}
	runner := &fakeRunner{tokens: make(chan string, 1)}
	limiter := &denyAll{}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(source, runner, limiter, poolConfig())
	pool.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	pool.Wait()

	require.Positive(t, limiter.asked.Load())
	select {
	case token := <-runner.tokens:
		t.Fatalf("job %s ran despite the limiter", token)
	default:
	}
}

func TestPoolJanitorTicks(t *testing.T) {
	source := &fakeSource{}
	runner := &fakeRunner{tokens: make(chan string, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(source, runner, allowAll{}, poolConfig())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return source.promoted.Load() > 0 && source.stalled.Load() > 0 && source.drained.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	pool.Wait()
}
