// Package worker keeps the additional-seat subscription item of each
// organization in step with its member count. It is decoupled from the HTTP
// layer: callers hold an Enqueuer and never import the concrete Runner.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface used to schedule a seat sync after a plan
// change or a membership change. *Runner implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, referenceID string) error
}

// Syncer runs one seat sync. *Job implements it.
type Syncer interface {
	Run(ctx context.Context, referenceID string) error
}

// RunnerStore is what the Runner needs from persistence.
type RunnerStore interface {
	ListPendingSeatSyncs(ctx context.Context) ([]store.Subscription, error)
	MarkSeatSyncPending(ctx context.Context, referenceID string) error
	MarkSeatSyncFailed(ctx context.Context, referenceID, reason string, now time.Time) error
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields take the
// values of DefaultRunnerConfig.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Default: 3.
	Workers int

	// PollInterval is how often the poller checks ListPendingSeatSyncs for
	// work missed by the in-process channel. Default: 30s.
	PollInterval time.Duration

	// JobTimeout is the per-attempt context deadline. Default: 1 minute.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts before the sync is recorded as
	// failed. Default: 3.
	MaxRetries int

	// Backoff is the base retry delay, doubled per attempt. Default: 1s.
	Backoff time.Duration
}

// DefaultRunnerConfig returns production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      3,
		PollInterval: 30 * time.Second,
		JobTimeout:   time.Minute,
		MaxRetries:   3,
		Backoff:      time.Second,
	}
}

// Runner manages a pool of worker goroutines. It accepts work via an
// in-process channel and also polls the store for subscriptions still flagged
// for a seat sync, which covers restarts and a full queue.
type Runner struct {
	job     Syncer
	store   RunnerStore
	cfg     RunnerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan string
	wg    sync.WaitGroup
}

// NewRunner constructs a Runner. Call Start to begin processing.
func NewRunner(job Syncer, st RunnerStore, cfg RunnerConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}

	return &Runner{
		job:     job,
		store:   st,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		// Buffer = Workers*2 so Enqueue never blocks under normal load.
		queue: make(chan string, cfg.Workers*2),
	}
}

// Enqueue flags the subscription and pushes it onto the channel. A full
// channel is an error; the flag stays set so the poller retries it.
func (r *Runner) Enqueue(ctx context.Context, referenceID string) error {
	if err := r.store.MarkSeatSyncPending(ctx, referenceID); err != nil {
		return err
	}
	select {
	case r.queue <- referenceID:
		r.logger.Info("worker: enqueued seat sync", "reference_id", referenceID)
		return nil
	default:
		return errors.New("worker: queue is full, seat sync will be picked up by poller")
	}
}

// Start launches the worker pool and the poller. It blocks until ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := range r.cfg.Workers {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-r.queue:
			r.runWithRetry(ctx, ref, log)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	subs, err := r.store.ListPendingSeatSyncs(ctx)
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, sub := range subs {
		select {
		case r.queue <- sub.ReferenceID:
			r.logger.Debug("worker: poller enqueued seat sync", "reference_id", sub.ReferenceID)
		default:
			// Queue full; next poll cycle.
		}
	}
}

// runWithRetry runs the job up to MaxRetries times, then records the failure
// so the subscription is not picked up again.
func (r *Runner) runWithRetry(ctx context.Context, ref string, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, ref)
		cancel()

		if lastErr == nil {
			log.Info("worker: seat sync completed", "reference_id", ref, "attempt", attempt)
			return
		}

		log.Warn("worker: seat sync attempt failed",
			"reference_id", ref,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			// Exponential back-off: 2x, 4x, 8x the base delay.
			backoff := time.Duration(1<<attempt) * r.cfg.Backoff
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Error("worker: seat sync permanently failed", "reference_id", ref, "error", lastErr)
	r.metrics.SeatSync("failed")
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.MarkSeatSyncFailed(failCtx, ref, lastErr.Error(), time.Now()); err != nil {
		log.Error("worker: failed to record seat sync failure", "reference_id", ref, "error", err)
	}
}
