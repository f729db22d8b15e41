// Package worker consumes document-generation jobs from the queue and runs
// them through the phase pipeline. A pool of identical workers shares one
// blocking dequeue loop; a janitor keeps the queue's bookkeeping honest.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskworks/docgen/internal/broker"
	"github.com/riskworks/docgen/internal/config"
	"github.com/riskworks/docgen/internal/queue"
)

const (
	dequeueBlock = 5 * time.Second
	idleBackoff  = time.Second
	janitorBatch = 100
)

// JobSource is the slice of the queue the pool consumes from and maintains.
type JobSource interface {
	Dequeue(ctx context.Context, block time.Duration) (*queue.Job, error)
	PromoteDue(ctx context.Context, batch int64) (int, error)
	RequeueStalled(ctx context.Context, stallTimeout time.Duration, batch int64) (int, error)
	DrainOld(ctx context.Context) (int, error)
}

// Runner processes one job. Implemented by Pipeline.
type Runner interface {
	Run(ctx context.Context, job *queue.Job) error
}

// StartLimiter bounds how many jobs may begin per rolling window.
type StartLimiter interface {
	Allow(ctx context.Context) bool
}

// Pool runs the configured number of workers plus one janitor until its
// context is canceled. In-flight jobs finish before Wait returns.
type Pool struct {
	source  JobSource
	runner  Runner
	limiter StartLimiter
	cfg     config.WorkerConfig

	wg sync.WaitGroup
}

func NewPool(source JobSource, runner Runner, limiter StartLimiter, cfg config.WorkerConfig) *Pool {
	return &Pool{source: source, runner: runner, limiter: limiter, cfg: cfg}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.janitorLoop(ctx)
	}()

	slog.Info("worker pool started", "workers", p.cfg.Concurrency, "janitor_interval", p.cfg.JanitorInterval)
}

// Wait blocks until every worker and the janitor have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := slog.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		if !p.limiter.Allow(ctx) {
			log.Debug("job start rate limit reached, backing off")
			sleepCtx(ctx, idleBackoff)
			continue
		}

		job, err := p.source.Dequeue(ctx, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			sleepCtx(ctx, idleBackoff)
			continue
		}
		if job == nil {
			// Empty queue or degraded broker. The blocking pop already spent
			// its window on the former; only the latter needs a pause.
			sleepCtx(ctx, idleBackoff)
			continue
		}

		log.Info("job started", "token", job.Token, "attempts", job.Attempts)
		if err := p.runner.Run(ctx, job); err != nil {
			log.Error("job attempt did not succeed", "token", job.Token, "error", err)
		}
	}
}

func (p *Pool) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := p.source.PromoteDue(ctx, janitorBatch); err != nil {
			slog.Error("promote delayed jobs", "error", err)
		} else if n > 0 {
			slog.Info("promoted delayed jobs", "count", n)
		}

		if n, err := p.source.RequeueStalled(ctx, p.cfg.StallTimeout, janitorBatch); err != nil {
			slog.Error("requeue stalled jobs", "error", err)
		} else if n > 0 {
			slog.Warn("requeued stalled jobs", "count", n)
		}

		if n, err := p.source.DrainOld(ctx); err != nil {
			slog.Error("drain terminal jobs", "error", err)
		} else if n > 0 {
			slog.Info("drained terminal jobs", "count", n)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RateLimiter counts job starts per minute window in the broker so the limit
// holds across all instances. When the broker is degraded it allows the
// start; the dequeue that follows will no-op anyway.
type RateLimiter struct {
	conn *broker.Conn
	max  int
}

func NewRateLimiter(conn *broker.Conn, maxPerMinute int) *RateLimiter {
	return &RateLimiter{conn: conn, max: maxPerMinute}
}

func (l *RateLimiter) Allow(ctx context.Context) bool {
	if l.max <= 0 {
		return true
	}

	allowed := true
	err := l.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		key := "docgen:ratelimit:starts:" + time.Now().UTC().Format("200601021504")
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		if count == 1 {
			rdb.Expire(ctx, key, 2*time.Minute)
		}
		allowed = count <= int64(l.max)
		return nil
	})
	if err != nil {
		return true
	}
	return allowed
}
