package post

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/errors"
	heraldtest "github.com/teranos/herald/internal/testing"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *sql.DB, *time.Time) {
	t.Helper()
	database := heraldtest.CreateTestDB(t)
	now := baseTime
	return NewStoreWithClock(database, func() time.Time { return now }), database, &now
}

func createPost(t *testing.T, s *Store, at time.Time) *ScheduledPost {
	t.Helper()
	p := &ScheduledPost{
		Platform:      PlatformLinkedIn,
		Content:       "Launch day notes",
		ScheduledTime: at,
		Metadata:      map[string]string{"visibility": "PUBLIC"},
	}
	require.NoError(t, s.Create(context.Background(), p))
	return p
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	p := createPost(t, s, baseTime.Add(time.Hour))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PlatformLinkedIn, got.Platform)
	assert.True(t, got.ScheduledTime.Equal(baseTime.Add(time.Hour)))
	assert.Equal(t, "PUBLIC", got.Metadata["visibility"])
	assert.Nil(t, got.ExternalPostID)
	assert.Nil(t, got.LastAttemptAt)
	assert.Zero(t, got.RetryCount)
}

func TestGetUnknown(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListDueOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	late := createPost(t, s, baseTime.Add(-time.Minute))
	early := createPost(t, s, baseTime.Add(-time.Hour))
	createPost(t, s, baseTime.Add(time.Hour))

	due, err := s.ListDue(ctx, baseTime, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	count, err := s.CountDue(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	due, err = s.ListDue(ctx, baseTime, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	ok, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestMarkPublishedSetsExternalID(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	ok, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkPublished(ctx, p.ID, "urn:li:share:1", baseTime))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status)
	require.NotNil(t, got.ExternalPostID)
	assert.Equal(t, "urn:li:share:1", *got.ExternalPostID)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.LastAttemptAt)
}

func TestPublishedRequiresExternalID(t *testing.T) {
	_, database, _ := newTestStore(t)

	_, err := database.Exec(`INSERT INTO scheduled_posts
		(id, platform, content, scheduled_time, status, created_at, updated_at)
		VALUES ('bad', 'x', 'hi', '2026-03-14T09:00:00.000000000Z', 'published',
		        '2026-03-14T09:00:00.000000000Z', '2026-03-14T09:00:00.000000000Z')`)
	assert.Error(t, err, "schema must reject a published row without an external id")
}

func TestTransitionsReportConflictAndNotFound(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	err := s.MarkPublished(ctx, p.ID, "ext", baseTime)
	assert.True(t, errors.IsConflictError(err), "pending post cannot be marked published")

	err = s.MarkFailed(ctx, "missing", 1, "boom", baseTime)
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, s.Cancel(ctx, p.ID))
	err = s.Cancel(ctx, p.ID)
	assert.True(t, errors.IsConflictError(err), "store-level cancel is strict; idempotence lives in the service")
}

func TestRetryAndFailure(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	_, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkRetry(ctx, p.ID, 1, "502 bad gateway", baseTime))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "502 bad gateway", *got.ErrorMessage)

	_, err = s.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, p.ID, 2, "token expired", baseTime))

	got, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.ExternalPostID)
}

func TestUpdatePending(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime.Add(time.Hour))

	newTime := baseTime.Add(2 * time.Hour)
	newContent := "Edited"
	require.NoError(t, s.UpdatePending(ctx, p.ID, Update{
		ScheduledTime: &newTime,
		Content:       &newContent,
		Metadata:      map[string]string{"author": "urn:li:person:42"},
		ResetRetries:  true,
	}))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.ScheduledTime.Equal(newTime))
	assert.Equal(t, "Edited", got.Content)
	assert.Equal(t, map[string]string{"author": "urn:li:person:42"}, got.Metadata)

	_, err = s.Claim(ctx, p.ID)
	require.NoError(t, err)
	err = s.UpdatePending(ctx, p.ID, Update{Content: &newContent})
	assert.True(t, errors.IsConflictError(err))
}

func TestRequeueResetsRetryWindow(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	_, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, p.ID, 3, "gave up", baseTime))

	at := baseTime.Add(10 * time.Minute)
	require.NoError(t, s.Requeue(ctx, p.ID, at))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
	assert.True(t, got.ScheduledTime.Equal(at))

	err = s.Requeue(ctx, p.ID, at)
	assert.True(t, errors.IsConflictError(err), "only failed posts can be requeued")
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	s, _, now := newTestStore(t)

	stale := createPost(t, s, baseTime)
	fresh := createPost(t, s, baseTime)

	_, err := s.Claim(ctx, stale.ID)
	require.NoError(t, err)

	*now = baseTime.Add(15 * time.Minute)
	_, err = s.Claim(ctx, fresh.ID)
	require.NoError(t, err)

	ids, err := s.ReclaimStale(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount, "reclaim does not consume a retry")

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestDeleteRefusedWhileProcessing(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	_, err := s.Claim(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, errors.IsConflictError(s.Delete(ctx, p.ID)))

	require.NoError(t, s.MarkRetry(ctx, p.ID, 1, "x", baseTime))
	require.NoError(t, s.Delete(ctx, p.ID))

	_, err = s.Get(ctx, p.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.Delete(ctx, p.ID)))
}

func TestCountByStatusAndList(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	a := createPost(t, s, baseTime)
	createPost(t, s, baseTime.Add(time.Hour))
	require.NoError(t, s.Cancel(ctx, a.ID))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCancelled])
	assert.Equal(t, 0, counts[StatusPublished])

	posts, err := s.List(ctx, Filter{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, a.ID, posts[0].ID)

	posts, err = s.List(ctx, Filter{Platform: PlatformX})
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	p := createPost(t, s, baseTime)

	class := "transient"
	msg := "connection reset"
	require.NoError(t, s.RecordAttempt(ctx, &Attempt{
		PostID: p.ID, Attempt: 1, Platform: p.Platform, Engine: "poll",
		Outcome: AttemptRetrying, ErrorClass: &class, ErrorMessage: &msg,
		AttemptedAt: baseTime,
	}))
	ext := "urn:li:share:9"
	require.NoError(t, s.RecordAttempt(ctx, &Attempt{
		PostID: p.ID, Attempt: 2, Platform: p.Platform, Engine: "poll",
		Outcome: AttemptPublished, ExternalPostID: &ext, DurationMS: 120,
		AttemptedAt: baseTime.Add(time.Minute),
	}))

	attempts, err := s.ListAttempts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptRetrying, attempts[0].Outcome)
	assert.Equal(t, "connection reset", *attempts[0].ErrorMessage)
	assert.Equal(t, AttemptPublished, attempts[1].Outcome)

	failures, err := s.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	totals, err := s.AttemptTotalsSince(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Total)
	assert.Equal(t, 1, totals.Published)
	assert.Equal(t, 1, totals.Retrying)
	assert.Equal(t, 2, totals.PerPlatform[PlatformLinkedIn])
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{"linkedin", PlatformLinkedIn},
		{"Twitter", PlatformX},
		{" x ", PlatformX},
		{"bsky", PlatformBluesky},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePlatform(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParsePlatform("myspace")
	assert.True(t, errors.IsInvalidArgumentError(err))
}
