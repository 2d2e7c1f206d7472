package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/dispatch"
)

// ErrAlreadyRunning is returned by Start on a running processor
var ErrAlreadyRunning = errors.New("processor already running")

// pulseLogger marks lifecycle events so startup and shutdown stand out:
// Starting at DEBUG (✿), Closing at WARN (❀), everything else at INFO.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// ProcessorConfig configures the queue engine
type ProcessorConfig struct {
	Workers           int           `json:"workers"`            // concurrent workers. Default: 5
	PollInterval      time.Duration `json:"poll_interval"`      // idle wait between dequeues. Default: 1s
	Lease             time.Duration `json:"lease"`              // must exceed the publish timeout. Default: 2m
	ReclaimAfter      time.Duration `json:"reclaim_after"`      // stale processing posts. Default: 10m
	RetryBackoff      time.Duration `json:"retry_backoff"`      // delay before the first retry. Default: 30s
	MaxRetryBackoff   time.Duration `json:"max_retry_backoff"`  // Default: 15m
	MaxErrorBackoff   time.Duration `json:"max_error_backoff"`  // worker error backoff cap. Default: 30s
	JanitorInterval   time.Duration `json:"janitor_interval"`   // Default: 30s
	ReconcileInterval time.Duration `json:"reconcile_interval"` // Default: 5m
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:           5,
		PollInterval:      time.Second,
		Lease:             2 * time.Minute,
		ReclaimAfter:      10 * time.Minute,
		RetryBackoff:      30 * time.Second,
		MaxRetryBackoff:   15 * time.Minute,
		MaxErrorBackoff:   30 * time.Second,
		JanitorInterval:   30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	def := DefaultProcessorConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.ReclaimAfter <= 0 {
		c.ReclaimAfter = def.ReclaimAfter
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(def.MaxRetryBackoff, c.RetryBackoff)
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = def.MaxErrorBackoff
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	return c
}

// Processor runs a pool of workers over a Broker. Each worker takes one job
// through lease, claim, attempt and settle before leasing the next.
type Processor struct {
	broker Broker
	disp   *dispatch.Dispatcher
	pause  PauseState
	cfg    ProcessorConfig
	now    func() time.Time
	logger pulseLogger

	accepting atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// PauseState reads the persisted pause switch
type PauseState interface {
	IsPaused(ctx context.Context) (bool, error)
}

// NewProcessor creates a queue engine. pause may be nil.
func NewProcessor(broker Broker, disp *dispatch.Dispatcher, pause PauseState, cfg ProcessorConfig, log *zap.SugaredLogger) *Processor {
	return &Processor{
		broker: broker,
		disp:   disp,
		pause:  pause,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: pulseLogger{log.Named("queue")},
	}
}

// Start reconciles the broker against the store, then starts the workers
// and the janitor. They run until Stop or until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	n, err := p.Reconcile(ctx)
	if err != nil {
		p.logger.Warnw("Initial reconcile failed; the janitor will retry", logger.FieldError, err)
	} else if n > 0 {
		p.logger.Starting("Enqueued pending posts missing a job", logger.FieldCount, n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		wg.Go(func() { p.worker(runCtx, id) })
	}
	wg.Go(func() { p.janitor(runCtx) })

	p.cancel = cancel
	p.wg = wg
	p.accepting.Store(true)

	p.logger.Infow("Queue processor started",
		"workers", p.cfg.Workers,
		"lease", p.cfg.Lease,
		"max_retries", p.disp.MaxRetries())
	return nil
}

// Stop cancels the workers and waits up to 30 seconds for in-flight jobs.
// Outcomes are recorded even when cancelled mid-publish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	p.accepting.Store(false)
	cancel()

	done := make(chan struct{})
	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			p.logger.Errorw("Worker panicked", "panic", r.Value, "stack", string(r.Stack))
		}
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		p.logger.Infow("❀ Queue processor stopped, all workers exited cleanly")
	case <-time.After(timeout):
		p.logger.Closing("Queue processor stop timed out, workers may still be recording", "timeout", timeout)
	}
}

// Accepting reports whether workers are running
func (p *Processor) Accepting() bool {
	return p.accepting.Load()
}

// Ping checks the broker
func (p *Processor) Ping(ctx context.Context) error {
	return p.broker.Ping(ctx)
}

// Enqueue adds or moves the job for a post
func (p *Processor) Enqueue(ctx context.Context, postID string, runAt time.Time) error {
	return p.broker.Enqueue(ctx, p.jobFor(postID, runAt, 0))
}

// Remove drops the job for a post
func (p *Processor) Remove(ctx context.Context, postID string) error {
	return p.broker.Remove(ctx, postID)
}

// Depth counts broker jobs per state
func (p *Processor) Depth(ctx context.Context) (map[string]int, error) {
	stats, err := p.broker.Stats(ctx)
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(stats))
	for st, n := range stats {
		depth[string(st)] = n
	}
	return depth, nil
}

func (p *Processor) jobFor(postID string, runAt time.Time, attempts int) *Job {
	return &Job{
		ID:          postID,
		PostID:      postID,
		RunAt:       runAt,
		Attempts:    attempts,
		MaxAttempts: p.disp.MaxRetries(),
	}
}

// Reconcile enqueues every pending post that has no live job, covering
// posts written while the broker was unreachable. Returns how many were enqueued.
func (p *Processor) Reconcile(ctx context.Context) (int, error) {
	pending, err := p.disp.Posts().List(ctx, post.Filter{Status: post.StatusPending})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, rec := range pending {
		job, err := p.broker.Get(ctx, rec.ID)
		if err != nil && !errors.IsNotFoundError(err) {
			return enqueued, err
		}
		if err == nil && job.State != StateFailed {
			continue
		}
		if err := p.broker.Enqueue(ctx, p.jobFor(rec.ID, rec.ScheduledTime, rec.RetryCount)); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// Sweep returns expired leases to the queue and resets posts stuck in
// processing, re-enqueueing them for an immediate attempt. Each sweep counts
// as one engine run in Stats.
func (p *Processor) Sweep(ctx context.Context) error {
	now := p.now()
	p.disp.Stats().RecordRun(now)

	n, err := p.broker.ReclaimStalled(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Warnw("Reclaimed stalled jobs", logger.FieldCount, n)
	}

	ids, err := p.disp.ReclaimStale(ctx, p.cfg.ReclaimAfter)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := p.disp.Posts().Get(ctx, id)
		if err != nil {
			continue
		}
		if err := p.broker.Enqueue(ctx, p.jobFor(id, now, rec.RetryCount)); err != nil {
			return err
		}
	}
	return nil
}

// ProcessNext leases and runs at most one job. It reports whether a job was
// leased; errors are infrastructure failures, never publish failures.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	if p.pause != nil {
		paused, err := p.pause.IsPaused(ctx)
		if err != nil {
			return false, err
		}
		if paused {
			return false, nil
		}
	}

	job, err := p.broker.Dequeue(ctx, p.now(), p.cfg.Lease)
	if err != nil || job == nil {
		return false, err
	}
	return true, p.handle(ctx, job)
}

func (p *Processor) handle(ctx context.Context, job *Job) error {
	log := p.logger.With(logger.FieldJobID, job.ID, logger.FieldAttempt, job.Attempts)

	cur, err := p.disp.Posts().Get(ctx, job.PostID)
	if errors.IsNotFoundError(err) {
		log.Debugw("Post no longer exists, dropping job")
		return p.broker.Ack(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	if settled, err := p.settleUnclaimable(ctx, job, cur); settled || err != nil {
		return err
	}

	if wait := p.disp.ThrottledFor(cur.Platform); wait > 0 {
		log.Debugw("Platform throttled, delaying job", logger.FieldPlatform, cur.Platform, "delay", wait)
		return p.broker.Retry(ctx, job.ID, cur.RetryCount, p.now().Add(wait), "")
	}

	rec, ok, err := p.disp.Claim(ctx, cur.ID)
	if err != nil {
		return err
	}
	if !ok {
		if rec == nil {
			return p.broker.Ack(ctx, job.ID)
		}
		_, err := p.settleUnclaimable(ctx, job, rec)
		return err
	}

	out, err := p.disp.Attempt(ctx, rec)
	if err != nil {
		// the post stays processing until the stale reclaim resets it
		return err
	}

	// the outcome is recorded; settle the job even if we are shutting down
	ctx = context.WithoutCancel(ctx)
	switch {
	case out.Published():
		return p.broker.Ack(ctx, job.ID)
	case out.Deferred:
		wait := p.disp.ThrottledFor(out.Platform)
		if wait <= 0 {
			wait = p.cfg.RetryBackoff
		}
		return p.broker.Retry(ctx, job.ID, out.RetryCount, p.now().Add(wait), out.Error)
	case out.WillRetry():
		delay := dispatch.RetryDelay(out.RetryCount, p.cfg.RetryBackoff, p.cfg.MaxRetryBackoff)
		log.Infow("Retry scheduled",
			logger.FieldRetryCount, out.RetryCount,
			"max_retries", p.disp.MaxRetries(),
			"delay", delay)
		return p.broker.Retry(ctx, job.ID, out.RetryCount, p.now().Add(delay), out.Error)
	default:
		return p.broker.Fail(ctx, job.ID, out.Error)
	}
}

// settleUnclaimable handles a job whose post cannot be attempted right now.
// It reports whether the job was settled.
func (p *Processor) settleUnclaimable(ctx context.Context, job *Job, rec *post.ScheduledPost) (bool, error) {
	now := p.now()
	switch {
	case rec.Status.IsTerminal():
		return true, p.broker.Ack(ctx, job.ID)
	case rec.Status == post.StatusProcessing:
		// someone else holds it; look again after one lease
		return true, p.broker.Retry(ctx, job.ID, rec.RetryCount, now.Add(p.cfg.Lease), "post is being dispatched elsewhere")
	case rec.ScheduledTime.After(now):
		// rescheduled later and the move never reached the broker
		return true, p.broker.Retry(ctx, job.ID, rec.RetryCount, rec.ScheduledTime, "")
	default:
		return false, nil
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	log := p.logger.With(logger.FieldWorkerID, id)

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = p.cfg.PollInterval
	errBackoff.MaxInterval = p.cfg.MaxErrorBackoff

	for ctx.Err() == nil {
		processed, err := p.ProcessNext(ctx)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			wait = errBackoff.NextBackOff()
			log.Errorw("Worker error, backing off", logger.FieldError, err, "backoff", wait)
		case processed:
			errBackoff.Reset()
			continue
		default:
			errBackoff.Reset()
			wait = p.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (p *Processor) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()
	lastReconcile := p.now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Errorw("Janitor sweep failed", logger.FieldError, err)
		}
		if now := p.now(); now.Sub(lastReconcile) >= p.cfg.ReconcileInterval {
			lastReconcile = now
			if n, err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
				p.logger.Errorw("Reconcile failed", logger.FieldError, err)
			} else if n > 0 {
				p.logger.Infow("Reconcile enqueued pending posts", logger.FieldCount, n)
			}
		}
	}
}
