package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/errors"
	heraldtest "github.com/teranos/herald/internal/testing"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/publisher"
)

func TestRecentErrorsRingIsBounded(t *testing.T) {
	s := NewStats()

	for i := 0; i < RecentErrorsCapacity+10; i++ {
		s.RecordOutcome(&Outcome{
			PostID:   fmt.Sprintf("p%d", i),
			Platform: post.PlatformX,
			Status:   post.StatusPending,
			Class:    publisher.ClassTransient,
			Error:    "boom",
			At:       t0.Add(time.Duration(i) * time.Second),
		})
	}

	snap := s.Snapshot()
	require.Len(t, snap.RecentErrors, RecentErrorsCapacity)
	assert.Equal(t, fmt.Sprintf("p%d", RecentErrorsCapacity+9), snap.RecentErrors[0].PostID, "newest first")
	assert.Equal(t, "p10", snap.RecentErrors[RecentErrorsCapacity-1].PostID, "oldest ten dropped")
	assert.Equal(t, int64(RecentErrorsCapacity+10), snap.TotalFailed)
	assert.Equal(t, int64(RecentErrorsCapacity+10), snap.TotalRetried)
}

func TestStatsCounters(t *testing.T) {
	s := NewStats()

	s.RecordRun(t0)
	s.RecordRun(t0.Add(time.Minute))
	s.RecordSkippedCycle()
	s.RecordReclaimed(3)
	s.RecordOutcome(&Outcome{Platform: post.PlatformLinkedIn, Status: post.StatusPublished})
	s.RecordOutcome(&Outcome{Platform: post.PlatformLinkedIn, Status: post.StatusFailed, Class: publisher.ClassAuth})
	s.RecordError("p1", errors.New("database is locked"), t0)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRuns)
	assert.Equal(t, int64(1), snap.SkippedCycles)
	assert.Equal(t, int64(3), snap.Reclaimed)
	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.TotalSuccessful)
	assert.Equal(t, int64(1), snap.TotalFailed)
	assert.Zero(t, snap.TotalRetried)
	require.NotNil(t, snap.LastRunAt)
	assert.True(t, snap.LastRunAt.Equal(t0.Add(time.Minute)))
	require.Len(t, snap.RecentErrors, 2)
	assert.Equal(t, "internal", snap.RecentErrors[0].Class)
}

func TestControlPauseResume(t *testing.T) {
	ctx := context.Background()
	c := NewControl(heraldtest.CreateTestDB(t))

	paused, err := c.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused, "unset means running")

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Pause(ctx))
	paused, err = c.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, c.Resume(ctx))
	paused, err = c.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	max := 5 * time.Minute

	assert.Equal(t, 30*time.Second, RetryDelay(1, base, max))
	assert.Equal(t, 60*time.Second, RetryDelay(2, base, max))
	assert.Equal(t, 120*time.Second, RetryDelay(3, base, max))
	assert.Equal(t, max, RetryDelay(10, base, max))
	assert.Equal(t, 30*time.Second, RetryDelay(0, base, max))
}
