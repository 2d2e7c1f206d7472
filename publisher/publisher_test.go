package publisher

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/httpclient"
	"github.com/teranos/herald/post"
)

var testCreds = Credentials{AccessToken: "tok", Handle: "urn:li:person:1"}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{http.StatusUnauthorized, ClassAuth},
		{http.StatusForbidden, ClassAuth},
		{http.StatusTooManyRequests, ClassRateLimited},
		{http.StatusBadRequest, ClassRejected},
		{http.StatusConflict, ClassRejected},
		{http.StatusRequestEntityTooLarge, ClassRejected},
		{http.StatusUnprocessableEntity, ClassRejected},
		{http.StatusNotFound, ClassRejected},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusBadGateway, ClassTransient},
		{http.StatusServiceUnavailable, ClassTransient},
		{http.StatusCreated, ClassNone},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.code))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassTransient, Classify(errors.New("mystery")))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassAuth, Classify(Mark(errors.New("expired"), ClassAuth)))
	assert.Equal(t, ClassRejected, Classify(errors.Wrap(Mark(errors.New("dup"), ClassRejected), "outer")))

	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassTransient.Retryable())
	assert.False(t, ClassAuth.Retryable())
	assert.False(t, ClassRejected.Retryable())
}

func TestFromHTTP(t *testing.T) {
	err := FromHTTP(&httpclient.StatusError{Code: 429, RetryAfter: 30 * time.Second}, "x")
	assert.Equal(t, ClassRateLimited, Classify(err))
	assert.Contains(t, Message(err), "retry-after: 30s")
	assert.Contains(t, Message(err), "rate_limited: ")

	err = FromHTTP(errors.New("dial tcp: connection refused"), "linkedin")
	assert.Equal(t, ClassTransient, Classify(err))

	assert.NoError(t, FromHTTP(nil, "x"))
}

func TestRegistryPublish(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(time.Second, zaptest.NewLogger(t).Sugar())

	var gotOptions map[string]string
	reg.Register(post.PlatformLinkedIn, PublisherFunc(func(ctx context.Context, content string, creds Credentials, options map[string]string) (string, error) {
		assert.Equal(t, "tok", creds.AccessToken)
		gotOptions = options
		return "urn:li:share:7", nil
	}), testCreds, 0)

	id, err := reg.Publish(ctx, post.PlatformLinkedIn, "hello", map[string]string{"visibility": "PUBLIC"})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:share:7", id)
	assert.Equal(t, "PUBLIC", gotOptions["visibility"])

	assert.True(t, reg.Supports(post.PlatformLinkedIn))
	assert.False(t, reg.Supports(post.PlatformX))
	assert.True(t, reg.HasCredentials(post.PlatformLinkedIn))
	assert.False(t, reg.HasCredentials(post.PlatformX))
}

func TestRegistryMissingCredentialsIsAuth(t *testing.T) {
	reg := NewRegistry(time.Second, zaptest.NewLogger(t).Sugar())
	called := false
	reg.Register(post.PlatformX, PublisherFunc(func(context.Context, string, Credentials, map[string]string) (string, error) {
		called = true
		return "1", nil
	}), Credentials{}, 0)

	_, err := reg.Publish(context.Background(), post.PlatformX, "hi", nil)
	assert.Equal(t, ClassAuth, Classify(err))
	assert.False(t, called)
	assert.Empty(t, reg.Configured())
	assert.True(t, reg.Supports(post.PlatformX))
	assert.False(t, reg.HasCredentials(post.PlatformX), "registered without credentials")
	assert.Equal(t, []post.Platform{post.PlatformX}, reg.Platforms())
}

func TestRegistryUnknownPlatform(t *testing.T) {
	reg := NewRegistry(time.Second, zaptest.NewLogger(t).Sugar())

	_, err := reg.Publish(context.Background(), post.PlatformBluesky, "hi", nil)
	assert.Equal(t, ClassRejected, Classify(err))
}

func TestRegistryTimeoutIsTransient(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, zaptest.NewLogger(t).Sugar())
	reg.Register(post.PlatformX, PublisherFunc(func(ctx context.Context, _ string, _ Credentials, _ map[string]string) (string, error) {
		<-ctx.Done()
		return "", Mark(ctx.Err(), ClassRejected)
	}), testCreds, 0)

	_, err := reg.Publish(context.Background(), post.PlatformX, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestRegistryThrottle(t *testing.T) {
	reg := NewRegistry(time.Second, zaptest.NewLogger(t).Sugar())
	calls := 0
	reg.Register(post.PlatformBluesky, PublisherFunc(func(context.Context, string, Credentials, map[string]string) (string, error) {
		calls++
		return "at://did:plc:abc/app.bsky.feed.post/1", nil
	}), testCreds, 2)

	for i := 0; i < 2; i++ {
		_, err := reg.Publish(context.Background(), post.PlatformBluesky, "hi", nil)
		require.NoError(t, err)
	}
	_, err := reg.Publish(context.Background(), post.PlatformBluesky, "hi", nil)
	assert.Equal(t, ClassRateLimited, Classify(err))
	assert.True(t, errors.IsThrottled(err))
	assert.Equal(t, 2, calls, "throttled call must not reach the platform")
	assert.Greater(t, reg.Throttled(post.PlatformBluesky), time.Duration(0))
	assert.Equal(t, time.Duration(0), reg.Throttled(post.PlatformX), "unregistered platform is never throttled")

	stats := reg.ThrottleStats()
	assert.Equal(t, [2]int{2, 0}, stats[post.PlatformBluesky])
}

func TestRegistryEmptyIDIsTransient(t *testing.T) {
	reg := NewRegistry(time.Second, zaptest.NewLogger(t).Sugar())
	reg.Register(post.PlatformX, PublisherFunc(func(context.Context, string, Credentials, map[string]string) (string, error) {
		return "", nil
	}), testCreds, 0)

	_, err := reg.Publish(context.Background(), post.PlatformX, "hi", nil)
	assert.Equal(t, ClassTransient, Classify(err))
}
