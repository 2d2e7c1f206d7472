// Package bluesky publishes app.bsky.feed.post records over AT Protocol.
package bluesky

import (
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/publisher"
)

// DefaultEndpoint is the PDS used when none is configured
const DefaultEndpoint = "https://bsky.social"

// MaxLength is the post length limit, counted in runes
const MaxLength = 300

const feedPostCollection = "app.bsky.feed.post"

// Publisher creates a session with Handle and an app password (AccessToken),
// then writes the post into the account's repo. The returned id is the record's at:// URI.
// options["lang"] sets the post language.
type Publisher struct {
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Bluesky publisher. A nil client uses http.DefaultClient;
// the publish deadline comes from the caller's context.
func New(httpClient *http.Client) *Publisher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Publisher{httpClient: httpClient, now: time.Now}
}

// Publish implements publisher.Publisher
func (p *Publisher) Publish(ctx context.Context, content string, creds publisher.Credentials, options map[string]string) (string, error) {
	if n := utf8.RuneCountInString(content); n > MaxLength {
		return "", publisher.Mark(errors.Newf("bluesky: post is %d characters (max %d)", n, MaxLength), publisher.ClassRejected)
	}
	if creds.Handle == "" {
		return "", publisher.Mark(errors.New("bluesky: no handle configured"), publisher.ClassAuth)
	}

	host := creds.Endpoint
	if host == "" {
		host = DefaultEndpoint
	}

	client, err := p.createSession(ctx, host, creds.Handle, creds.AccessToken)
	if err != nil {
		return "", err
	}

	record := &appbsky.FeedPost{
		Text:      content,
		CreatedAt: p.now().UTC().Format(time.RFC3339),
	}
	if lang := options["lang"]; lang != "" {
		record.Langs = []string{lang}
	}

	resp, err := comatproto.RepoCreateRecord(ctx, client, &comatproto.RepoCreateRecord_Input{
		Collection: feedPostCollection,
		Repo:       client.Auth.Did,
		Record:     &util.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return "", classify(errors.Wrapf(err, "bluesky: failed to create post for %s", creds.Handle))
	}
	return resp.Uri, nil
}

// createSession authenticates with the PDS and returns an authenticated XRPC client
func (p *Publisher) createSession(ctx context.Context, host, identifier, appPassword string) (*xrpc.Client, error) {
	client := &xrpc.Client{
		Client: p.httpClient,
		Host:   host,
	}

	session, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   appPassword,
	})
	if err != nil {
		return nil, classify(errors.Wrapf(err, "bluesky: failed to create session with PDS %s for %s", host, identifier))
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	return client, nil
}

// classify maps XRPC status codes onto publish classes. A 400 from
// createSession with AuthenticationRequired is still an auth problem.
func classify(err error) error {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return publisher.Mark(err, publisher.ClassTransient)
	}

	class := publisher.ClassifyStatus(xe.StatusCode)
	var body *xrpc.XRPCError
	if errors.As(xe.Wrapped, &body) {
		switch body.ErrStr {
		case "AuthenticationRequired", "ExpiredToken", "InvalidToken", "AccountTakedown":
			class = publisher.ClassAuth
		case "RateLimitExceeded":
			class = publisher.ClassRateLimited
		}
	}
	if class == publisher.ClassNone {
		class = publisher.ClassTransient
	}
	return publisher.Mark(err, class)
}
