package publisher

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/budget"
)

// DefaultTimeout bounds a single publish call
const DefaultTimeout = 30 * time.Second

type registration struct {
	publisher Publisher
	creds     Credentials
	limiter   *budget.Limiter
}

// Registry maps each supported platform to its publisher and credentials.
// It is filled once at startup and read-only afterwards.
type Registry struct {
	entries map[post.Platform]*registration
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewRegistry creates an empty registry. timeout <= 0 uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *zap.SugaredLogger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		entries: make(map[post.Platform]*registration),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds or replaces the publisher for platform. maxPerMinute <= 0
// disables the local throttle.
func (r *Registry) Register(platform post.Platform, p Publisher, creds Credentials, maxPerMinute int) {
	r.entries[platform] = &registration{
		publisher: p,
		creds:     creds,
		limiter:   budget.NewLimiter(string(platform), maxPerMinute),
	}
	r.logger.Debugw("Registered publisher",
		"platform", platform,
		"has_credentials", !creds.IsZero(),
		"max_posts_per_minute", maxPerMinute)
}

// Supports reports whether platform has a registered publisher
func (r *Registry) Supports(platform post.Platform) bool {
	_, ok := r.entries[platform]
	return ok
}

// HasCredentials reports whether platform is registered with credentials.
// Posts for a platform without them would only ever fail with ClassAuth.
func (r *Registry) HasCredentials(platform post.Platform) bool {
	entry, ok := r.entries[platform]
	return ok && !entry.creds.IsZero()
}

// Platforms lists registered platforms in name order
func (r *Registry) Platforms() []post.Platform {
	out := make([]post.Platform, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Configured lists registered platforms that have credentials
func (r *Registry) Configured() []post.Platform {
	var out []post.Platform
	for _, p := range r.Platforms() {
		if r.HasCredentials(p) {
			out = append(out, p)
		}
	}
	return out
}

// Publish sends content to platform through its publisher, bounded by the
// registry timeout and throttle. The returned error is always classified.
func (r *Registry) Publish(ctx context.Context, platform post.Platform, content string, options map[string]string) (string, error) {
	entry, ok := r.entries[platform]
	if !ok {
		return "", Mark(errors.Newf("no publisher registered for platform %q", platform), ClassRejected)
	}
	if entry.creds.IsZero() {
		return "", Mark(errors.Newf("no credentials configured for %s", platform), ClassAuth)
	}
	if err := entry.limiter.Allow(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := entry.publisher.Publish(ctx, content, entry.creds, options)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", Mark(errors.Wrapf(err, "%s publish timed out after %s", platform, r.timeout), ClassTransient)
		}
		if Classify(err) == ClassTransient {
			// unmarked adapter errors land here too; make the class explicit
			return "", Mark(err, ClassTransient)
		}
		return "", err
	}
	if id == "" {
		return "", Mark(errors.Newf("%s returned no post id", platform), ClassTransient)
	}
	return id, nil
}

// Throttled reports how long until platform's local throttle has room again.
// Zero means a publish would not be refused by the throttle.
func (r *Registry) Throttled(platform post.Platform) time.Duration {
	entry, ok := r.entries[platform]
	if !ok {
		return 0
	}
	return entry.limiter.RetryIn()
}

// ThrottleStats reports calls in the current window and remaining capacity
// per platform. Unthrottled platforms report remaining -1.
func (r *Registry) ThrottleStats() map[post.Platform][2]int {
	out := make(map[post.Platform][2]int, len(r.entries))
	for p, e := range r.entries {
		calls, remaining := e.limiter.Stats()
		out[p] = [2]int{calls, remaining}
	}
	return out
}
