package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/content"
	"github.com/teranos/herald/errors"
	heraldtest "github.com/teranos/herald/internal/testing"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/publisher"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type platforms []post.Platform

func (p platforms) Supports(platform post.Platform) bool {
	for _, x := range p {
		if x == platform {
			return true
		}
	}
	return false
}

func (p platforms) HasCredentials(platform post.Platform) bool { return p.Supports(platform) }

// fakeQueue records enqueue and remove calls
type fakeQueue struct {
	mu      sync.Mutex
	jobs    map[string]time.Time
	removed []string
	fail    error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{jobs: map[string]time.Time{}} }

func (q *fakeQueue) Enqueue(ctx context.Context, postID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.jobs[postID] = runAt
	return nil
}

func (q *fakeQueue) Remove(ctx context.Context, postID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, postID)
	q.removed = append(q.removed, postID)
	return nil
}

func (q *fakeQueue) Depth(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int{"delayed": len(q.jobs)}, nil
}

type fixture struct {
	db      *sql.DB
	clock   *clock
	content *content.Store
	queue   *fakeQueue
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := heraldtest.CreateTestDB(t)
	c := &clock{now: t0}
	q := newFakeQueue()

	return &fixture{
		db:      database,
		clock:   c,
		content: content.NewStore(database),
		queue:   q,
		svc: NewService(database,
			platforms{post.PlatformLinkedIn, post.PlatformX},
			zaptest.NewLogger(t).Sugar(),
			WithClock(c.Now),
			WithEnqueuer(q)),
	}
}

func (f *fixture) item(t *testing.T, body string) *content.Item {
	t.Helper()
	item := &content.Item{Title: "Release notes", Body: body, Status: content.StatusApproved}
	require.NoError(t, f.content.Create(context.Background(), item))
	return item
}

func (f *fixture) contentStatus(t *testing.T, id string) content.Status {
	t.Helper()
	item, err := f.content.GetContentItem(context.Background(), id)
	require.NoError(t, err)
	return item.Status
}

func TestScheduleFromContentItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "v2 is out")

	p, err := f.svc.Schedule(ctx, ScheduleRequest{
		ContentRef:    item.ID,
		Platform:      post.PlatformLinkedIn,
		ScheduledTime: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, post.StatusPending, p.Status)
	assert.Equal(t, "v2 is out", p.Content, "body taken from the content item")
	require.True(t, p.HasSource())
	assert.Equal(t, item.ID, *p.SourcePostID)
	assert.Equal(t, content.StatusScheduled, f.contentStatus(t, item.ID))
	assert.Equal(t, t0.Add(time.Hour), f.queue.jobs[p.ID])
}

func TestScheduleOverrideContent(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "long form body")

	p, err := f.svc.Schedule(context.Background(), ScheduleRequest{
		ContentRef:    item.ID,
		Platform:      post.PlatformX,
		ScheduledTime: t0.Add(time.Minute),
		Content:       "short form",
	})
	require.NoError(t, err)
	assert.Equal(t, "short form", p.Content)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "body")

	tests := []struct {
		name  string
		req   ScheduleRequest
		check func(error) bool
	}{
		{
			name:  "time in the past",
			req:   ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(-time.Minute)},
			check: errors.IsInvalidArgumentError,
		},
		{
			name:  "time equal to now",
			req:   ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn, ScheduledTime: t0},
			check: errors.IsInvalidArgumentError,
		},
		{
			name:  "zero time",
			req:   ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn},
			check: errors.IsInvalidArgumentError,
		},
		{
			name:  "platform without publisher",
			req:   ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformBluesky, ScheduledTime: t0.Add(time.Hour)},
			check: errors.IsInvalidArgumentError,
		},
		{
			name:  "unknown content item",
			req:   ScheduleRequest{ContentRef: "missing", Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour)},
			check: errors.IsNotFoundError,
		},
		{
			name:  "standalone without content",
			req:   ScheduleRequest{Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour), Content: "  "},
			check: errors.IsInvalidArgumentError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Schedule(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}

	posts, err := f.svc.List(context.Background(), post.Filter{})
	require.NoError(t, err)
	assert.Empty(t, posts, "nothing persisted on rejection")
	assert.Equal(t, content.StatusApproved, f.contentStatus(t, item.ID))
}

func TestScheduleSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.queue.fail = errors.New("redis: connection refused")

	p, err := f.svc.Schedule(context.Background(), ScheduleRequest{
		Platform:      post.PlatformX,
		ScheduledTime: t0.Add(time.Hour),
		Content:       "standalone",
	})
	require.NoError(t, err)

	stored, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPending, stored.Status)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformX, ScheduledTime: t0.Add(time.Hour), Content: "one"})
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE scheduled_posts SET retry_count = 2 WHERE id = ?`, p.ID)
	require.NoError(t, err)

	newTime := t0.Add(3 * time.Hour)
	newContent := "two"
	updated, err := f.svc.Reschedule(ctx, p.ID, RescheduleRequest{NewTime: &newTime, NewContent: &newContent})
	require.NoError(t, err)

	assert.True(t, updated.ScheduledTime.Equal(newTime))
	assert.Equal(t, "two", updated.Content)
	assert.Zero(t, updated.RetryCount, "new time opens a fresh attempt window")
	assert.Equal(t, newTime, f.queue.jobs[p.ID])
}

func TestRescheduleRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformX, ScheduledTime: t0.Add(time.Hour), Content: "one"})
	require.NoError(t, err)

	_, err = f.svc.Reschedule(ctx, p.ID, RescheduleRequest{})
	assert.True(t, errors.IsInvalidArgumentError(err))

	past := t0.Add(-time.Hour)
	_, err = f.svc.Reschedule(ctx, p.ID, RescheduleRequest{NewTime: &past})
	assert.True(t, errors.IsInvalidArgumentError(err))

	_, err = f.svc.Reschedule(ctx, "missing", RescheduleRequest{NewMetadata: map[string]string{"a": "b"}})
	assert.True(t, errors.IsNotFoundError(err))

	claimed, err := post.NewStore(f.db).Claim(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	later := t0.Add(2 * time.Hour)
	_, err = f.svc.Reschedule(ctx, p.ID, RescheduleRequest{NewTime: &later})
	assert.True(t, errors.IsPreconditionFailedError(err), "processing posts cannot be rescheduled: %v", err)
}

func TestScheduleRejectsPlatformWithoutCredentials(t *testing.T) {
	database := heraldtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	noop := publisher.PublisherFunc(func(context.Context, string, publisher.Credentials, map[string]string) (string, error) {
		return "1", nil
	})
	reg := publisher.NewRegistry(time.Second, log)
	reg.Register(post.PlatformLinkedIn, noop, publisher.Credentials{AccessToken: "tok"}, 0)
	reg.Register(post.PlatformX, noop, publisher.Credentials{Handle: "@herald"}, 0)

	c := &clock{now: t0}
	svc := NewService(database, reg, log, WithClock(c.Now))
	ctx := context.Background()

	_, err := svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformX, ScheduledTime: t0.Add(time.Hour), Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgumentError(err), "got %v", err)
	assert.Contains(t, errors.FlattenHints(err), "HERALD_X_ACCESS_TOKEN")

	_, err = svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformBluesky, ScheduledTime: t0.Add(time.Hour), Content: "hi"})
	assert.True(t, errors.IsInvalidArgumentError(err), "unregistered platform: %v", err)

	p, err := svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour), Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, post.StatusPending, p.Status)

	n, err := post.NewStore(database).CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n[post.StatusPending], "the rejected requests persisted nothing")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "body")

	p, err := f.svc.Schedule(ctx, ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, p.ID))
	require.NoError(t, f.svc.Cancel(ctx, p.ID), "cancel is idempotent")

	stored, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusCancelled, stored.Status)
	assert.Equal(t, content.StatusApproved, f.contentStatus(t, item.ID))
	assert.NotContains(t, f.queue.jobs, p.ID)
	assert.Equal(t, []string{p.ID}, f.queue.removed)

	assert.True(t, errors.IsNotFoundError(f.svc.Cancel(ctx, "missing")))
}

func TestCancelOneSiblingKeepsItemScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "body")

	linkedin, err := f.svc.Schedule(ctx, ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour)})
	require.NoError(t, err)
	x, err := f.svc.Schedule(ctx, ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformX, ScheduledTime: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, linkedin.ID))
	assert.Equal(t, content.StatusScheduled, f.contentStatus(t, item.ID), "x is still pending")

	require.NoError(t, f.svc.Cancel(ctx, x.ID))
	assert.Equal(t, content.StatusApproved, f.contentStatus(t, item.ID))
}

func TestCancelKeepsItemPublishedBySibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "body")

	linkedin, err := f.svc.Schedule(ctx, ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformLinkedIn, ScheduledTime: t0.Add(time.Hour)})
	require.NoError(t, err)
	x, err := f.svc.Schedule(ctx, ScheduleRequest{ContentRef: item.ID, Platform: post.PlatformX, ScheduledTime: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	store := post.NewStore(f.db)
	_, err = store.Claim(ctx, linkedin.ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkPublished(ctx, linkedin.ID, "urn:li:share:1", t0.Add(time.Hour)))
	require.NoError(t, f.content.SetContentItemStatus(ctx, item.ID, content.StatusPublished))

	require.NoError(t, f.svc.Cancel(ctx, x.ID))
	assert.Equal(t, content.StatusPublished, f.contentStatus(t, item.ID))
}

func TestCancelPublishedConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformX, ScheduledTime: t0.Add(time.Hour), Content: "one"})
	require.NoError(t, err)

	store := post.NewStore(f.db)
	_, err = store.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkPublished(ctx, p.ID, "1234", t0.Add(time.Hour)))

	err = f.svc.Cancel(ctx, p.ID)
	assert.True(t, errors.IsConflictError(err), "got %v", err)
}

func TestListDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, d := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		_, err := f.svc.Schedule(ctx, ScheduleRequest{Platform: post.PlatformX, ScheduledTime: t0.Add(d), Content: d.String()})
		require.NoError(t, err)
	}

	due, err := f.svc.ListDue(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "1h0m0s", due[0].Content)
	assert.Equal(t, "2h0m0s", due[1].Content)
}
