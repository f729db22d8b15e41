// Package queue is the job queue abstraction over the broker connection.
// Jobs are keyed by the request token, which doubles as the idempotency key:
// a second enqueue for a token with a non-terminal job is a silent no-op.
// Every operation degrades to a logged no-op when the broker is unavailable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskworks/docgen/internal/broker"
	"github.com/riskworks/docgen/pkg/models"
)

// Broker-native job states.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDelayed   = "delayed"
)

// Retention defaults for DrainOld.
const (
	completedRetention = time.Hour
	failedRetention    = 24 * time.Hour
	completedKeepMax   = 100
)

// dedupTTL bounds a dedup claim whose job hash was never written, e.g. a
// crash between the SETNX and the pipeline exec. Generous relative to any
// job lifetime including the full retry schedule.
const dedupTTL = 24 * time.Hour

// DomainState maps a broker job state onto the polling vocabulary.
func DomainState(jobState string) string {
	switch jobState {
	case JobWaiting, JobDelayed:
		return models.StatePending
	case JobActive:
		return models.StateProcessing
	case JobCompleted:
		return models.StateCompleted
	case JobFailed:
		return models.StateFailed
	default:
		return models.StatePending
	}
}

// Job is the broker-side record of one unit of work.
type Job struct {
	Token       string          `json:"token"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StatusRecord is what GetStatus reports to callers.
type StatusRecord struct {
	Token       string `json:"token"`
	BrokerState string `json:"broker_state"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	Progress    int    `json:"progress"`
	Error       string `json:"error,omitempty"`
}

// Counts is the queue depth by broker state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// PriorityHigh jumps the ready line; anything else queues at the back.
const PriorityHigh = "high"

// Options tunes a single enqueue. Zero values take the queue defaults.
type Options struct {
	MaxAttempts int
	Priority    string
}

// Queue exposes enqueue, dequeue, status, metrics and cleanup on top of the
// degraded-mode broker connection.
type Queue struct {
	conn        *broker.Conn
	maxAttempts int
	backoffBase time.Duration
	closed      atomic.Bool
	now         func() time.Time
}

// New builds a Queue with the default retry policy: maxAttempts attempts with
// exponential backoff starting at backoffBase (2s -> 4s -> 8s by default).
func New(conn *broker.Conn, maxAttempts int, backoffBase time.Duration) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Queue{
		conn:        conn,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		now:         time.Now,
	}
}

// Available reports whether the underlying broker can take commands.
func (q *Queue) Available() bool { return q.conn.Available() }

// BrokerStatus exposes the connection snapshot for diagnostics.
func (q *Queue) BrokerStatus() broker.Status { return q.conn.Status() }

// Enqueue registers a job for token and pushes it onto the ready list.
// The token is the job identifier: if a non-terminal job already exists for
// it, the call is a no-op and the existing job is returned. Returns
// (nil, nil) when the broker is unavailable or the queue is shut down.
func (q *Queue) Enqueue(ctx context.Context, token string, payload any, opts Options) (*Job, error) {
	if q.closed.Load() {
		slog.Warn("enqueue skipped, queue is shut down", "token", token)
		return nil, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	var job *Job
	err = q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		// The dedup key is the single-flight guard. SETNX is atomic, so two
		// racing intakes on the same token resolve to one winner.
		ok, err := rdb.SetNX(ctx, dedupKey(token), 1, dedupTTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			existing, err := loadJob(ctx, rdb, token)
			if err != nil {
				return err
			}
			if existing != nil {
				job = existing
			} else {
				// The winner has claimed the token but not yet written the
				// hash. Report the job as waiting.
				job = &Job{Token: token, State: JobWaiting, MaxAttempts: maxAttempts}
			}
			return nil
		}

		now := q.now().UTC()
		j := &Job{
			Token:       token,
			State:       JobWaiting,
			MaxAttempts: maxAttempts,
			Payload:     raw,
			EnqueuedAt:  now,
			UpdatedAt:   now,
		}

		pipe := rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(token), map[string]any{
			"state":        JobWaiting,
			"attempts":     0,
			"max_attempts": maxAttempts,
			"progress":     0,
			"payload":      string(raw),
			"enqueued_at":  now.Format(time.RFC3339Nano),
			"updated_at":   now.Format(time.RFC3339Nano),
		})
		if opts.Priority == PriorityHigh {
			// The ready list is consumed from the tail.
			pipe.RPush(ctx, readyKey, token)
		} else {
			pipe.LPush(ctx, readyKey, token)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		slog.Warn("enqueue skipped, broker unavailable", "token", token)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Dequeue blocks up to block for the next ready job, marks it active and
// returns it. Returns (nil, nil) on timeout or when the broker is unavailable.
func (q *Queue) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	var job *Job
	err := q.conn.DoBlocking(ctx, func(ctx context.Context, rdb *redis.Client) error {
		res, err := rdb.BRPop(ctx, block, readyKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(res) != 2 {
			return nil
		}
		token := res[1]

		now := q.now().UTC()
		pipe := rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(token), map[string]any{
			"state":      JobActive,
			"updated_at": now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(now.Unix()), Member: token})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		job, err = loadJob(ctx, rdb, token)
		return err
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return job, nil
}

// setProgressScript writes progress only when it is higher than the stored
// value, mirroring the GREATEST guard on the database side, and always
// refreshes the heartbeat. Concurrent generator checkpoints land in any
// order, so a plain HSET could transiently regress the field.
var setProgressScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress')) or -1
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('HSET', KEYS[1], 'progress', new, 'updated_at', ARGV[2])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 0
`)

// SetProgress writes the broker-side progress checkpoint and refreshes the
// heartbeat so the stall detector leaves the job alone. Progress never
// decreases, matching what pollers see from the database.
func (q *Queue) SetProgress(ctx context.Context, token string, progress int) error {
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		now := q.now().UTC()
		return setProgressScript.Run(ctx, rdb,
			[]string{jobKey(token), activeKey},
			progress, now.Format(time.RFC3339Nano), now.Unix(), token,
		).Err()
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// Complete marks the job terminal-successful and releases the dedup key so a
// fresh request for the same token could be enqueued again.
func (q *Queue) Complete(ctx context.Context, token string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	err = q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		now := q.now().UTC()
		pipe := rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(token), map[string]any{
			"state":      JobCompleted,
			"progress":   100,
			"result":     string(raw),
			"updated_at": now.Format(time.RFC3339Nano),
		})
		pipe.ZRem(ctx, activeKey, token)
		pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(now.Unix()), Member: token})
		pipe.Del(ctx, dedupKey(token))
		_, err := pipe.Exec(ctx)
		return err
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry advances the attempt counter. If attempts remain, the job is parked
// in the delay zset with exponential backoff (base, 2x, 4x, ...); otherwise
// it is permanently failed. Reports whether another attempt was scheduled.
func (q *Queue) Retry(ctx context.Context, token string, jobErr error) (bool, error) {
	retried := false
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		attempts, err := rdb.HIncrBy(ctx, jobKey(token), "attempts", 1).Result()
		if err != nil {
			return err
		}

		max, err := rdb.HGet(ctx, jobKey(token), "max_attempts").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if max <= 0 {
			max = int64(q.maxAttempts)
		}

		if attempts >= max {
			return q.failLocked(ctx, rdb, token, jobErr.Error())
		}

		delay := q.backoffBase << (attempts - 1)
		due := q.now().UTC().Add(delay)

		pipe := rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(token), map[string]any{
			"state":      JobDelayed,
			"error":      jobErr.Error(),
			"updated_at": q.now().UTC().Format(time.RFC3339Nano),
		})
		pipe.ZRem(ctx, activeKey, token)
		pipe.ZAdd(ctx, delayKey, redis.Z{Score: float64(due.Unix()), Member: token})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		retried = true
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return retried, nil
}

// Fail marks the job permanently failed regardless of remaining attempts.
func (q *Queue) Fail(ctx context.Context, token string, msg string) error {
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return q.failLocked(ctx, rdb, token, msg)
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (q *Queue) failLocked(ctx context.Context, rdb *redis.Client, token, msg string) error {
	now := q.now().UTC()
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(token), map[string]any{
		"state":      JobFailed,
		"error":      msg,
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.ZRem(ctx, activeKey, token)
	pipe.ZRem(ctx, delayKey, token)
	pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.Unix()), Member: token})
	pipe.Del(ctx, dedupKey(token))
	_, err := pipe.Exec(ctx)
	return err
}

// GetStatus returns the broker-side view of a job, or (nil, nil) when the
// job is unknown or the broker is unavailable.
func (q *Queue) GetStatus(ctx context.Context, token string) (*StatusRecord, error) {
	var rec *StatusRecord
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		job, err := loadJob(ctx, rdb, token)
		if err != nil || job == nil {
			return err
		}
		rec = &StatusRecord{
			Token:       job.Token,
			BrokerState: job.State,
			State:       DomainState(job.State),
			Attempts:    job.Attempts,
			Progress:    job.Progress,
			Error:       job.Error,
		}
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return rec, nil
}

// PromoteDue moves delayed jobs whose backoff has elapsed onto the ready
// list. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, batch int64) (int, error) {
	moved := 0
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		now := q.now().UTC().Unix()
		tokens, err := rdb.ZRangeByScore(ctx, delayKey, &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: batch,
		}).Result()
		if err != nil || len(tokens) == 0 {
			return err
		}

		pipe := rdb.TxPipeline()
		for _, token := range tokens {
			pipe.HSet(ctx, jobKey(token), "state", JobWaiting)
			pipe.LPush(ctx, readyKey, token)
			pipe.ZRem(ctx, delayKey, token)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		moved = len(tokens)
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return moved, nil
}

// RequeueStalled puts active jobs without a recent heartbeat back on the
// ready list. The pipeline is idempotent from its first phase, so a re-run
// of a stalled job is safe.
func (q *Queue) RequeueStalled(ctx context.Context, stallTimeout time.Duration, batch int64) (int, error) {
	moved := 0
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		cutoff := q.now().UTC().Add(-stallTimeout).Unix()
		tokens, err := rdb.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(cutoff, 10), Offset: 0, Count: batch,
		}).Result()
		if err != nil || len(tokens) == 0 {
			return err
		}

		pipe := rdb.TxPipeline()
		for _, token := range tokens {
			pipe.HSet(ctx, jobKey(token), "state", JobWaiting)
			pipe.LPush(ctx, readyKey, token)
			pipe.ZRem(ctx, activeKey, token)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		moved = len(tokens)
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	return moved, nil
}

// Metrics reports queue depth by state. Zero counts when degraded.
func (q *Queue) Metrics(ctx context.Context) (*Counts, error) {
	var counts Counts
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		pipe := rdb.TxPipeline()
		waiting := pipe.LLen(ctx, readyKey)
		active := pipe.ZCard(ctx, activeKey)
		delayed := pipe.ZCard(ctx, delayKey)
		completed := pipe.ZCard(ctx, completedKey)
		failed := pipe.ZCard(ctx, failedKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		counts = Counts{
			Waiting:   waiting.Val(),
			Active:    active.Val(),
			Delayed:   delayed.Val(),
			Completed: completed.Val(),
			Failed:    failed.Val(),
		}
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	return &counts, nil
}

// DrainOld prunes terminal jobs: completed ones older than an hour (keeping
// at most 100 of the newest), failed ones older than a day. Bounds broker
// memory without losing recent failure forensics.
func (q *Queue) DrainOld(ctx context.Context) (int, error) {
	pruned := 0
	err := q.conn.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		now := q.now().UTC()

		n, err := q.drainSet(ctx, rdb, completedKey, now.Add(-completedRetention))
		if err != nil {
			return err
		}
		pruned += n

		// Cap retained completed jobs regardless of age.
		total, err := rdb.ZCard(ctx, completedKey).Result()
		if err != nil {
			return err
		}
		if excess := total - completedKeepMax; excess > 0 {
			oldest, err := rdb.ZRange(ctx, completedKey, 0, excess-1).Result()
			if err != nil {
				return err
			}
			pipe := rdb.TxPipeline()
			for _, token := range oldest {
				pipe.Del(ctx, jobKey(token))
				pipe.ZRem(ctx, completedKey, token)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			pruned += len(oldest)
		}

		n, err = q.drainSet(ctx, rdb, failedKey, now.Add(-failedRetention))
		if err != nil {
			return err
		}
		pruned += n
		return nil
	})
	if errors.Is(err, broker.ErrUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("drain old jobs: %w", err)
	}
	return pruned, nil
}

func (q *Queue) drainSet(ctx context.Context, rdb *redis.Client, key string, olderThan time.Time) (int, error) {
	tokens, err := rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(olderThan.Unix(), 10),
	}).Result()
	if err != nil || len(tokens) == 0 {
		return 0, err
	}
	pipe := rdb.TxPipeline()
	for _, token := range tokens {
		pipe.Del(ctx, jobKey(token))
		pipe.ZRem(ctx, key, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// Shutdown stops accepting enqueues. In-flight broker state stays durable in
// Redis; the connection itself is closed by its owner.
func (q *Queue) Shutdown() {
	q.closed.Store(true)
}

// loadJob reads a job hash into a Job. Returns nil when the hash is missing.
func loadJob(ctx context.Context, rdb *redis.Client, token string) (*Job, error) {
	fields, err := rdb.HGetAll(ctx, jobKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		Token:   token,
		State:   fields["state"],
		Error:   fields["error"],
		Payload: json.RawMessage(fields["payload"]),
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	if v := fields["enqueued_at"]; v != "" {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["updated_at"]; v != "" {
		job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return job, nil
}
