package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/dispatch"
)

var (
	// ErrCycleInProgress is returned when a cycle starts while another is running
	ErrCycleInProgress = errors.New("dispatch cycle already in progress")

	// ErrPaused is returned when dispatch is paused
	ErrPaused = errors.New("dispatch is paused")
)

// PollerConfig configures the polling engine
type PollerConfig struct {
	Interval     time.Duration // Default: 60s
	ReclaimAfter time.Duration // processing longer than this is reset to pending. Default: 10m
}

// DefaultPollerConfig returns sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     60 * time.Second,
		ReclaimAfter: 10 * time.Minute,
	}
}

// Poller sweeps due posts on a fixed interval. A cycle that fires while the
// previous one is still running is skipped, never queued.
type Poller struct {
	disp    *dispatch.Dispatcher
	pause   PauseState
	cfg     PollerConfig
	cron    *cron.Cron
	running atomic.Bool // single-flight guard, per instance
	now     func() time.Time
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPoller creates a polling engine over disp. pause may be nil.
func NewPoller(disp *dispatch.Dispatcher, pause PauseState, cfg PollerConfig, log *zap.SugaredLogger) *Poller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = def.ReclaimAfter
	}

	return &Poller{
		disp:   disp,
		pause:  pause,
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		now:    time.Now,
		logger: log.Named("poller"),
	}
}

// Start schedules the cycle on the cron timer. Cycles run under ctx.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	spec := "@every " + p.cfg.Interval.String()
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		return errors.Wrapf(err, "invalid poll interval %s", p.cfg.Interval)
	}
	p.cron.Start()

	p.logger.Infow("Poller started",
		"interval", p.cfg.Interval,
		"reclaim_after", p.cfg.ReclaimAfter,
		"max_retries", p.disp.MaxRetries())
	return nil
}

// Stop halts the timer and waits for a running cycle, up to 30 seconds
func (p *Poller) Stop() {
	stopCtx := p.cron.Stop()

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	timeout := 30 * time.Second
	select {
	case <-stopCtx.Done():
		p.logger.Infow("Poller stopped")
	case <-time.After(timeout):
		p.logger.Warnw("Poller stop timed out waiting for running cycle", "timeout", timeout)
	}
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	res, err := p.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		p.logger.Warnw("Skipping poll cycle, previous cycle still running")
	case errors.Is(err, ErrPaused):
		p.logger.Debugw("Dispatch paused, skipping poll cycle")
	case err != nil && ctx.Err() == nil:
		p.logger.Errorw("Poll cycle failed", logger.FieldError, err)
	case res != nil && res.Due > 0:
		p.logger.Infow("Poll cycle complete",
			"due", res.Due,
			"published", res.Published,
			"retrying", res.Retrying,
			"failed", res.Failed,
			"lost", res.Lost)
	}
}

// RunOnce runs one cycle now: reclaim stale posts, then dispatch everything
// due. It returns ErrCycleInProgress if a cycle is already running on this
// instance and ErrPaused if dispatch is paused.
func (p *Poller) RunOnce(ctx context.Context) (*dispatch.CycleResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.disp.Stats().RecordSkippedCycle()
		return nil, ErrCycleInProgress
	}
	defer p.running.Store(false)

	if p.pause != nil {
		paused, err := p.pause.IsPaused(ctx)
		if err != nil {
			return nil, err
		}
		if paused {
			return nil, ErrPaused
		}
	}

	now := p.now()
	p.disp.Stats().RecordRun(now)

	if _, err := p.disp.ReclaimStale(ctx, p.cfg.ReclaimAfter); err != nil {
		// keep going; the due set can still be dispatched
		p.logger.Errorw("Failed to reclaim stale posts", logger.FieldError, err)
	}

	return p.disp.DispatchDue(ctx, now)
}
