package share

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/tempshare/service/internal/storage"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_sweep_runs_total",
		Help: "Total number of sweeper runs.",
	})

	sweepReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tempshare_sweep_reclaimed_total",
		Help: "Shares, reservations and orphaned blob prefixes removed by the sweeper.",
	}, []string{"kind"})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_sweep_errors_total",
		Help: "Total number of errors encountered by the sweeper.",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tempshare_sweep_duration_seconds",
		Help:    "Duration of sweeper runs in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

const sweepBatch = 500

// SweepResult summarises one sweeper run.
type SweepResult struct {
	Overdue  int // live shares past expiry whose job never fired
	Pending  int // reservations left behind by failed or crashed uploads
	Orphans  int // blob prefixes with no record at all
	Errors   int
	Duration time.Duration
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Interval     time.Duration
	OrphanGrace  time.Duration // minimum age of a reservation or blob before it is reclaimed
	OverdueGrace time.Duration // slack given to the scheduler before the sweeper steps in
	Now          func() time.Time
}

// Sweeper periodically reconciles the blob store and scheduler with the metadata store.
type Sweeper struct {
	svc   *Service
	store Store
	blobs storage.Storage
	opts  SweeperOptions
	log   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper that expires shares through svc.
func NewSweeper(svc *Service, store Store, blobs storage.Storage, opts SweeperOptions, log *zap.Logger) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		svc:   svc,
		store: store,
		blobs: blobs,
		opts:  opts,
		log:   log.Named("sweeper"),
	}
}

// Start runs the sweeper in a background goroutine until Stop or ctx cancellation.
func (sw *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.done = make(chan struct{})

	go sw.run(runCtx)

	sw.log.Info("sweeper started", zap.Duration("interval", sw.opts.Interval))
}

// Stop cancels the background goroutine and waits for it to exit.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
	sw.log.Info("sweeper stopped")
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)

	ticker := time.NewTicker(sw.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation pass. Concurrent calls are serialised.
func (sw *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	start := time.Now()
	now := sw.opts.Now().UTC()
	result := &SweepResult{}

	result.Overdue = sw.expireListed(ctx, "overdue", result, func() ([]string, error) {
		return sw.store.ListOverdue(ctx, now.Add(-sw.opts.OverdueGrace), sweepBatch)
	})
	result.Pending = sw.expireListed(ctx, "pending", result, func() ([]string, error) {
		return sw.store.ListStalePending(ctx, now.Add(-sw.opts.OrphanGrace), sweepBatch)
	})
	result.Orphans = sw.removeOrphans(ctx, now, result)

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepReclaimedTotal.WithLabelValues("overdue").Add(float64(result.Overdue))
	sweepReclaimedTotal.WithLabelValues("pending").Add(float64(result.Pending))
	sweepReclaimedTotal.WithLabelValues("orphan").Add(float64(result.Orphans))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	sw.log.Info("sweep finished",
		zap.Int("overdue", result.Overdue),
		zap.Int("pending", result.Pending),
		zap.Int("orphans", result.Orphans),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", result.Duration),
	)
	return result
}

func (sw *Sweeper) expireListed(ctx context.Context, kind string, result *SweepResult, list func() ([]string, error)) int {
	codes, err := list()
	if err != nil {
		sw.log.Error("list shares failed", zap.String("kind", kind), zap.Error(err))
		result.Errors++
		return 0
	}

	n := 0
	for _, code := range codes {
		if err := sw.svc.Expire(ctx, code); err != nil {
			result.Errors++
			continue
		}
		n++
	}
	return n
}

// removeOrphans deletes blob prefixes that have no record and are older than the grace period.
// The grace period protects uploads that have written bytes but not yet reserved or committed.
func (sw *Sweeper) removeOrphans(ctx context.Context, now time.Time, result *SweepResult) int {
	objects, err := sw.blobs.List(ctx, "")
	if err != nil {
		sw.log.Error("list blobs failed", zap.Error(err))
		result.Errors++
		return 0
	}

	newest := make(map[string]time.Time)
	for _, o := range objects {
		code, _, ok := strings.Cut(o.Key, "/")
		if !ok || code == "" {
			continue
		}
		if prev, seen := newest[code]; !seen || o.LastModified.After(prev) {
			newest[code] = o.LastModified
		}
	}

	cutoff := now.Add(-sw.opts.OrphanGrace)
	n := 0
	for code, modified := range newest {
		if modified.After(cutoff) {
			continue
		}
		exists, err := sw.store.Exists(ctx, code)
		if err != nil {
			sw.log.Error("check share existence failed", zap.String("code", code), zap.Error(err))
			result.Errors++
			continue
		}
		if exists {
			continue
		}
		if _, err := sw.blobs.DeletePrefix(ctx, BlobPrefix(code)); err != nil {
			sw.log.Error("delete orphan blobs failed", zap.String("code", code), zap.Error(err))
			result.Errors++
			continue
		}
		sw.log.Info("orphan blobs removed", zap.String("code", code))
		n++
	}
	return n
}
