// Package x publishes posts through the X (formerly Twitter) v2 API.
package x

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/httpclient"
	"github.com/teranos/herald/publisher"
)

// DefaultEndpoint is the X API base
const DefaultEndpoint = "https://api.x.com"

// MaxLength is the character limit for a standard post
const MaxLength = 280

// Publisher posts to /2/tweets with an OAuth 2.0 user access token.
// options["reply_to"] makes the post a reply.
type Publisher struct {
	opts httpclient.Options
}

// New creates an X publisher
func New(opts httpclient.Options) *Publisher {
	return &Publisher{opts: opts}
}

type reply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createRequest struct {
	Text  string `json:"text"`
	Reply *reply `json:"reply,omitempty"`
}

type createResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish implements publisher.Publisher
func (p *Publisher) Publish(ctx context.Context, content string, creds publisher.Credentials, options map[string]string) (string, error) {
	if n := utf8.RuneCountInString(content); n > MaxLength {
		return "", publisher.Mark(errors.Newf("x: post is %d characters (max %d)", n, MaxLength), publisher.ClassRejected)
	}

	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client, err := httpclient.New(endpoint, p.opts)
	if err != nil {
		return "", publisher.Mark(errors.Wrap(err, "x client"), publisher.ClassAuth)
	}

	body := createRequest{Text: content}
	if to := options["reply_to"]; to != "" {
		body.Reply = &reply{InReplyToTweetID: to}
	}

	var out createResponse
	_, err = client.PostJSON(ctx, "/2/tweets",
		http.Header{"Authorization": {"Bearer " + creds.AccessToken}}, body, &out)
	if err != nil {
		if isDuplicate(err) {
			return "", publisher.Mark(errors.Wrap(err, "x publish: duplicate content"), publisher.ClassRejected)
		}
		return "", publisher.FromHTTP(err, "x")
	}

	if out.Data.ID == "" {
		return "", publisher.Mark(errors.New("x: response carried no post id"), publisher.ClassTransient)
	}
	return out.Data.ID, nil
}

// X answers a repeated post with 403, which would otherwise read as an auth failure
func isDuplicate(err error) bool {
	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(se.Body), "duplicate")
}
