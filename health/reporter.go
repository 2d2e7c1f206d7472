// Package health answers "is herald able to publish right now?" for the CLI,
// the admin API and external probes.
package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/dispatch"
	"github.com/teranos/herald/version"
)

// Report is the result of one health check
type Report struct {
	Healthy   bool                   `json:"healthy"`
	Message   string                 `json:"message,omitempty"` // first failing check
	DueCount  int                    `json:"due_count"`
	Details   map[string]interface{} `json:"details"`
	CheckedAt time.Time              `json:"checked_at"`
}

// PlatformSet lists platforms that have credentials
type PlatformSet interface {
	Configured() []post.Platform
}

// QueueEngine is the part of the queue variant health depends on
type QueueEngine interface {
	Ping(ctx context.Context) error
	Accepting() bool
}

// PauseState reads the persisted pause switch
type PauseState interface {
	IsPaused(ctx context.Context) (bool, error)
}

// Reporter runs health checks against live components
type Reporter struct {
	db        *sql.DB
	posts     *post.Store
	platforms PlatformSet
	stats     *dispatch.Stats
	queue     QueueEngine
	pause     PauseState
	engine    string
	now       func() time.Time
	memory    func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// Option customizes a Reporter
type Option func(*Reporter)

// WithQueue adds broker and worker checks for the queue engine
func WithQueue(q QueueEngine) Option {
	return func(r *Reporter) {
		r.queue = q
		r.engine = "queue"
	}
}

// WithPause reports the pause switch
func WithPause(p PauseState) Option {
	return func(r *Reporter) { r.pause = p }
}

// WithClock overrides time.Now (for testing)
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a reporter. stats may be nil when no engine runs in
// this process.
func NewReporter(database *sql.DB, platforms PlatformSet, stats *dispatch.Stats, opts ...Option) *Reporter {
	r := &Reporter{
		db:        database,
		platforms: platforms,
		stats:     stats,
		engine:    "poll",
		now:       time.Now,
		memory:    mem.VirtualMemoryWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.posts = post.NewStoreWithClock(database, r.now)
	return r
}

// HealthCheck is healthy when the store answers, at least one platform has
// credentials and, for the queue engine, the broker answers and workers run.
func (r *Reporter) HealthCheck(ctx context.Context) Report {
	rep := Report{
		Healthy:   true,
		CheckedAt: r.now().UTC(),
		Details: map[string]interface{}{
			"engine":  r.engine,
			"version": version.Get().Short(),
		},
	}
	fail := func(key, msg string) {
		rep.Details[key] = msg
		if rep.Healthy {
			rep.Message = msg
		}
		rep.Healthy = false
	}

	if err := r.db.PingContext(ctx); err != nil {
		fail("store", "store unreachable: "+err.Error())
	} else if due, err := r.posts.CountDue(ctx, r.now()); err != nil {
		fail("store", "store query failed: "+err.Error())
	} else {
		rep.DueCount = due
		rep.Details["store"] = "ok"
	}

	configured := r.platforms.Configured()
	names := make([]string, len(configured))
	for i, p := range configured {
		names[i] = string(p)
	}
	rep.Details["platforms"] = names
	if len(configured) == 0 {
		fail("platforms_error", "no platform has credentials")
	}

	if r.queue != nil {
		if err := r.queue.Ping(ctx); err != nil {
			fail("broker", "broker unreachable: "+err.Error())
		} else {
			rep.Details["broker"] = "ok"
		}
		rep.Details["workers_accepting"] = r.queue.Accepting()
		if !r.queue.Accepting() {
			fail("workers", "queue workers are not running")
		}
	}

	if r.pause != nil {
		if paused, err := r.pause.IsPaused(ctx); err == nil {
			rep.Details["paused"] = paused
		}
	}

	if vm, err := r.memory(ctx); err == nil {
		rep.Details["memory_used_percent"] = vm.UsedPercent
		rep.Details["memory_available_mb"] = vm.Available / 1024 / 1024
	}

	return rep
}

// Stats returns the engine counters, zero when no engine runs here
func (r *Reporter) Stats() dispatch.Snapshot {
	if r.stats == nil {
		return dispatch.Snapshot{PerPlatform: map[post.Platform]dispatch.PlatformCounters{}}
	}
	return r.stats.Snapshot()
}
