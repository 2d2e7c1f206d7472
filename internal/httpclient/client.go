// Package httpclient is the JSON-over-HTTP client the platform publishers
// share. It enforces a request timeout and a scheme allow-list, and turns
// non-2xx responses into *StatusError so callers can classify them.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/version"
)

// maxErrorBody caps how much of a failed response body is kept for messages
const maxErrorBody = 2048

// Client sends JSON requests to a single API base URL
type Client struct {
	http           *http.Client
	baseURL        *url.URL
	allowedSchemes []string
	headers        http.Header
}

// Options customizes a Client
type Options struct {
	Timeout        time.Duration // Default: 30s
	AllowedSchemes []string      // Default: ["https", "http"]
	Headers        http.Header   // sent with every request
	Transport      http.RoundTripper
}

// New creates a client for baseURL
func New(baseURL string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = []string{"https", "http"}
	}

	c := &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		allowedSchemes: opts.AllowedSchemes,
		headers:        opts.Headers.Clone(),
	}

	u, err := c.validateURL(baseURL)
	if err != nil {
		return nil, err
	}
	c.baseURL = u
	return c, nil
}

// StatusError is returned for any non-2xx response
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration // parsed from Retry-After when present
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "http " + strconv.Itoa(e.Code)
	}
	return "http " + strconv.Itoa(e.Code) + ": " + e.Body
}

// Response carries the headers of a successful call; the body is decoded into out
type Response struct {
	StatusCode int
	Header     http.Header
}

// PostJSON encodes in, posts it to path and decodes a 2xx body into out.
// out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, headers http.Header, in, out interface{}) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, headers, in, out)
}

// Do sends a JSON request. in may be nil for an empty body.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, in, out interface{}) (*Response, error) {
	target := c.baseURL.JoinPath(path)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Get().UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, target.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "failed to decode response body")
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// IsTimeout reports whether err is a client-side timeout or deadline
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// Could be credential injection or URL confusion: https://api.x.com@evil/
	if u.User != nil {
		return nil, errors.New("URL must not carry credentials")
	}
	if u.Hostname() == "" {
		return nil, errors.New("URL missing hostname")
	}
	return u, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
