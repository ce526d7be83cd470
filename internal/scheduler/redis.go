// Package scheduler runs one-shot expiry jobs backed by Redis.
//
// Pending jobs live in a sorted set scored by fire time in unix milliseconds.
// A worker claims a due job by removing it from the set, so a job fires on at
// most one worker per claim. A failed handler puts the job back with a delay,
// which makes delivery at-least-once overall.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	jobsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_jobs_scheduled_total",
		Help: "Total number of expiry jobs scheduled.",
	})

	jobsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_jobs_fired_total",
		Help: "Total number of expiry jobs claimed and run.",
	})

	jobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_jobs_failed_total",
		Help: "Total number of expiry job runs whose handler returned an error.",
	})

	jobsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_jobs_cancelled_total",
		Help: "Total number of expiry jobs cancelled before firing.",
	})
)

const (
	jobPrefix     = "delete-file-job-"
	maxTxAttempts = 5
)

// ErrConflict is returned when a state update keeps losing optimistic-lock races.
var ErrConflict = errors.New("job state update conflict")

// Handler is invoked with the share code of each due job.
type Handler func(ctx context.Context, code string) error

// Options configures a RedisScheduler. Zero values select defaults.
type Options struct {
	Prefix         string
	ProjectID      string
	LocationID     string
	PollInterval   time.Duration
	RetryDelay     time.Duration
	BatchSize      int
	StateRetention time.Duration
	Clock          Clock
}

func (o *Options) withDefaults() {
	if o.Prefix == "" {
		o.Prefix = "tempshare:scheduler"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.StateRetention <= 0 {
		o.StateRetention = 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
}

// RedisScheduler schedules, cancels and fires expiry jobs.
type RedisScheduler struct {
	client  redis.UniversalClient
	opts    Options
	jobsKey string
	parent  string
	log     *zap.Logger
}

// NewRedisScheduler creates a RedisScheduler on client.
func NewRedisScheduler(client redis.UniversalClient, opts Options, log *zap.Logger) *RedisScheduler {
	opts.withDefaults()

	var parent string
	if opts.ProjectID != "" && opts.LocationID != "" {
		parent = fmt.Sprintf("projects/%s/locations/%s", opts.ProjectID, opts.LocationID)
	}

	return &RedisScheduler{
		client:  client,
		opts:    opts,
		jobsKey: opts.Prefix + ":jobs",
		parent:  parent,
		log:     log.Named("scheduler"),
	}
}

// JobName returns the deterministic job name for code.
func (s *RedisScheduler) JobName(code string) string {
	if s.parent == "" {
		return jobPrefix + code
	}
	return s.parent + "/jobs/" + jobPrefix + code
}

func codeFromJob(name string) string {
	i := strings.LastIndex(name, jobPrefix)
	if i < 0 {
		return ""
	}
	return name[i+len(jobPrefix):]
}

func (s *RedisScheduler) stateKey(name string) string {
	return s.opts.Prefix + ":state:" + name
}

// Schedule registers the job for code to fire at at. Scheduling an existing job moves it.
func (s *RedisScheduler) Schedule(ctx context.Context, code string, at time.Time) error {
	name := s.JobName(code)
	_, err := s.apply(ctx, name, EventSchedule, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, s.jobsKey, redis.Z{Score: float64(at.UnixMilli()), Member: name})
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	jobsScheduledTotal.Inc()
	s.log.Debug("job scheduled", zap.String("job", name), zap.Time("at", at))
	return nil
}

// Cancel removes the job for code. Cancelling an unknown, cancelled or already
// fired job succeeds; a fired job is marked completed.
func (s *RedisScheduler) Cancel(ctx context.Context, code string) error {
	name := s.JobName(code)
	next, err := s.apply(ctx, name, EventCancel, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, s.jobsKey, name)
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", name, err)
	}
	if next == StateCancelled {
		jobsCancelledTotal.Inc()
	}
	return nil
}

// Status returns the recorded state of the job for code.
func (s *RedisScheduler) Status(ctx context.Context, code string) (State, error) {
	v, err := s.client.Get(ctx, s.stateKey(s.JobName(code))).Result()
	if errors.Is(err, redis.Nil) {
		return StateNone, nil
	}
	if err != nil {
		return StateNone, err
	}
	return State(v), nil
}

// FireTime returns when the job for code is due, and false if it is not pending.
func (s *RedisScheduler) FireTime(ctx context.Context, code string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, s.jobsKey, s.JobName(code)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// RunOnce fires every job due at the current clock time and returns how many
// handlers completed successfully.
func (s *RedisScheduler) RunOnce(ctx context.Context, handler Handler) (int, error) {
	now := s.opts.Clock.Now()
	names, err := s.client.ZRangeByScore(ctx, s.jobsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(s.opts.BatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	done := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}

		// Whoever removes the member owns this firing.
		removed, err := s.client.ZRem(ctx, s.jobsKey, name).Result()
		if err != nil {
			return done, fmt.Errorf("claim %s: %w", name, err)
		}
		if removed == 0 {
			continue
		}
		if s.fire(ctx, name, handler) {
			done++
		}
	}
	return done, nil
}

func (s *RedisScheduler) fire(ctx context.Context, name string, handler Handler) bool {
	_, err := s.apply(ctx, name, EventFire, nil)
	switch {
	case errors.Is(err, ErrInvalidTransition):
		s.log.Info("job no longer due, skipping", zap.String("job", name), zap.Error(err))
		return false
	case err != nil:
		s.log.Warn("mark job fired failed", zap.String("job", name), zap.Error(err))
	}
	jobsFiredTotal.Inc()

	code := codeFromJob(name)
	if err := handler(ctx, code); err != nil {
		jobsFailedTotal.Inc()
		s.log.Error("job handler failed", zap.String("job", name), zap.Error(err))
		s.retry(ctx, name)
		return false
	}

	if _, err := s.apply(ctx, name, EventComplete, nil); err != nil && !errors.Is(err, ErrInvalidTransition) {
		s.log.Warn("mark job completed failed", zap.String("job", name), zap.Error(err))
	}
	s.log.Info("job completed", zap.String("job", name))
	return true
}

// retry puts a failed job back unless it was rescheduled or cancelled meanwhile.
func (s *RedisScheduler) retry(ctx context.Context, name string) {
	at := s.opts.Clock.Now().Add(s.opts.RetryDelay)
	_, err := s.apply(ctx, name, EventRetry, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, s.jobsKey, redis.Z{Score: float64(at.UnixMilli()), Member: name})
	})
	switch {
	case errors.Is(err, ErrInvalidTransition):
		s.log.Info("job superseded, not retrying", zap.String("job", name))
	case err != nil:
		s.log.Error("requeue job failed", zap.String("job", name), zap.Error(err))
	default:
		s.log.Info("job requeued", zap.String("job", name), zap.Time("at", at))
	}
}

// Run polls for due jobs until ctx is cancelled.
func (s *RedisScheduler) Run(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("poll_interval", s.opts.PollInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, handler); err != nil && ctx.Err() == nil {
				s.log.Error("poll due jobs failed", zap.Error(err))
			}
		}
	}
}

// apply moves the job's state by ev and runs mutate in the same transaction.
func (s *RedisScheduler) apply(ctx context.Context, name string, ev Event, mutate func(redis.Pipeliner)) (State, error) {
	key := s.stateKey(name)
	var next State

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err = Transition(State(cur), ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch {
			case next == StateNone:
				pipe.Del(ctx, key)
			case next.Terminal():
				pipe.Set(ctx, key, string(next), s.opts.StateRetention)
			default:
				pipe.Set(ctx, key, string(next), 0)
			}
			if mutate != nil {
				mutate(pipe)
			}
			return nil
		})
		return err
	}

	for range maxTxAttempts {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return next, err
	}
	return next, ErrConflict
}
