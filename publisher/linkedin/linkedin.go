// Package linkedin publishes text shares through the LinkedIn UGC Posts API.
package linkedin

import (
	"context"
	"net/http"
	"strings"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/httpclient"
	"github.com/teranos/herald/publisher"
)

// DefaultEndpoint is the LinkedIn REST API base
const DefaultEndpoint = "https://api.linkedin.com"

const restliProtocolVersion = "2.0.0"

// Publisher posts to /v2/ugcPosts. The author URN comes from options["author"]
// or the credentials handle; visibility from options["visibility"] (default PUBLIC).
type Publisher struct {
	opts httpclient.Options
}

// New creates a LinkedIn publisher. opts configures the underlying HTTP client.
func New(opts httpclient.Options) *Publisher {
	return &Publisher{opts: opts}
}

type shareCommentary struct {
	Text string `json:"text"`
}

type shareContent struct {
	ShareCommentary    shareCommentary `json:"shareCommentary"`
	ShareMediaCategory string          `json:"shareMediaCategory"`
}

type ugcPost struct {
	Author          string                  `json:"author"`
	LifecycleState  string                  `json:"lifecycleState"`
	SpecificContent map[string]shareContent `json:"specificContent"`
	Visibility      map[string]string       `json:"visibility"`
}

type ugcPostResponse struct {
	ID string `json:"id"`
}

// Publish implements publisher.Publisher
func (p *Publisher) Publish(ctx context.Context, content string, creds publisher.Credentials, options map[string]string) (string, error) {
	author := options["author"]
	if author == "" {
		author = creds.Handle
	}
	if author == "" {
		return "", publisher.Mark(errors.New("linkedin: no author URN (set platforms.linkedin.handle or metadata author)"), publisher.ClassRejected)
	}
	if !strings.HasPrefix(author, "urn:li:") {
		return "", publisher.Mark(errors.Newf("linkedin: author %q is not a urn:li: URN", author), publisher.ClassRejected)
	}

	visibility := options["visibility"]
	if visibility == "" {
		visibility = "PUBLIC"
	}

	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client, err := httpclient.New(endpoint, p.opts)
	if err != nil {
		return "", publisher.Mark(errors.Wrap(err, "linkedin client"), publisher.ClassAuth)
	}

	body := ugcPost{
		Author:         author,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]shareContent{
			"com.linkedin.ugc.ShareContent": {
				ShareCommentary:    shareCommentary{Text: content},
				ShareMediaCategory: "NONE",
			},
		},
		Visibility: map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": visibility,
		},
	}

	headers := http.Header{
		"Authorization":             {"Bearer " + creds.AccessToken},
		"X-Restli-Protocol-Version": {restliProtocolVersion},
	}

	var out ugcPostResponse
	resp, err := client.PostJSON(ctx, "/v2/ugcPosts", headers, body, &out)
	if err != nil {
		return "", publisher.FromHTTP(err, "linkedin")
	}

	if id := resp.Header.Get("X-Restli-Id"); id != "" {
		return id, nil
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return "", publisher.Mark(errors.New("linkedin: response carried no post id"), publisher.ClassTransient)
}
