package bluesky

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/publisher"
)

const testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"

type fakePDS struct {
	sessionStatus int
	sessionError  string
	createStatus  int
	gotRecord     map[string]interface{}
	gotAuth       string
}

func (f *fakePDS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if f.sessionStatus != 0 {
			w.WriteHeader(f.sessionStatus)
			_, _ = w.Write([]byte(`{"error":"` + f.sessionError + `","message":"nope"}`))
			return
		}
		var in map[string]string
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &in))
		assert.Equal(t, "herald.bsky.social", in["identifier"])
		assert.Equal(t, "app-pass", in["password"])
		_, _ = w.Write([]byte(`{"accessJwt":"access","refreshJwt":"refresh","handle":"herald.bsky.social","did":"` + testDID + `"}`))
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		f.gotAuth = r.Header.Get("Authorization")
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			_, _ = w.Write([]byte(`{"error":"InternalServerError","message":"boom"}`))
			return
		}
		data, _ := io.ReadAll(r.Body)
		var in struct {
			Repo       string                 `json:"repo"`
			Collection string                 `json:"collection"`
			Record     map[string]interface{} `json:"record"`
		}
		assert.NoError(t, json.Unmarshal(data, &in))
		assert.Equal(t, testDID, in.Repo)
		assert.Equal(t, "app.bsky.feed.post", in.Collection)
		f.gotRecord = in.Record
		_, _ = w.Write([]byte(`{"uri":"at://` + testDID + `/app.bsky.feed.post/3k2yihcrp6f2c","cid":"bafyreib"}`))
	})
	return mux
}

func newTestPublisher() *Publisher {
	p := New(nil)
	p.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestPublish(t *testing.T) {
	pds := &fakePDS{}
	srv := httptest.NewServer(pds.handler(t))
	defer srv.Close()

	uri, err := newTestPublisher().Publish(context.Background(), "hello from herald",
		publisher.Credentials{Handle: "herald.bsky.social", AccessToken: "app-pass", Endpoint: srv.URL},
		map[string]string{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, "at://"+testDID+"/app.bsky.feed.post/3k2yihcrp6f2c", uri)

	assert.Equal(t, "Bearer access", pds.gotAuth)
	assert.Equal(t, "hello from herald", pds.gotRecord["text"])
	assert.Equal(t, "app.bsky.feed.post", pds.gotRecord["$type"])
	assert.Equal(t, "2026-03-14T09:00:00Z", pds.gotRecord["createdAt"])
}

func TestPublishBadPasswordIsAuth(t *testing.T) {
	pds := &fakePDS{sessionStatus: http.StatusUnauthorized, sessionError: "AuthenticationRequired"}
	srv := httptest.NewServer(pds.handler(t))
	defer srv.Close()

	_, err := newTestPublisher().Publish(context.Background(), "hi",
		publisher.Credentials{Handle: "herald.bsky.social", AccessToken: "wrong", Endpoint: srv.URL}, nil)
	require.Error(t, err)
	assert.Equal(t, publisher.ClassAuth, publisher.Classify(err))
}

func TestPublishServerErrorIsTransient(t *testing.T) {
	pds := &fakePDS{createStatus: http.StatusBadGateway}
	srv := httptest.NewServer(pds.handler(t))
	defer srv.Close()

	_, err := newTestPublisher().Publish(context.Background(), "hi",
		publisher.Credentials{Handle: "herald.bsky.social", AccessToken: "app-pass", Endpoint: srv.URL}, nil)
	require.Error(t, err)
	assert.Equal(t, publisher.ClassTransient, publisher.Classify(err))
}

func TestPublishTooLong(t *testing.T) {
	_, err := newTestPublisher().Publish(context.Background(), strings.Repeat("a", MaxLength+1),
		publisher.Credentials{Handle: "h", AccessToken: "p"}, nil)
	assert.Equal(t, publisher.ClassRejected, publisher.Classify(err))
}
