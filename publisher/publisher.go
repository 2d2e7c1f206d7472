// Package publisher turns rendered post content into a published artifact on
// an external platform. Every failure an adapter returns is marked with one
// of errors.ErrAuth, ErrRateLimited, ErrRejected or ErrTransient; Classify
// recovers the class for the retry policy.
package publisher

import (
	"context"
	"net/http"
	"strings"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/httpclient"
)

// Credentials are the per-platform secrets injected from configuration.
// Adapters use the subset their API needs.
type Credentials struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	Handle       string // author URN, account handle or login identifier
	Endpoint     string // API base URL override
}

// IsZero reports whether no credential material is configured
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.ClientID == "" && c.ClientSecret == ""
}

// Publisher publishes content to one platform and returns the id the
// platform assigned to it.
type Publisher interface {
	Publish(ctx context.Context, content string, creds Credentials, options map[string]string) (string, error)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, content string, creds Credentials, options map[string]string) (string, error)

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, content string, creds Credentials, options map[string]string) (string, error) {
	return f(ctx, content, creds, options)
}

// Class is the retry-relevant category of a publish failure
type Class string

const (
	ClassNone        Class = ""
	ClassAuth        Class = "auth"
	ClassRateLimited Class = "rate_limited"
	ClassRejected    Class = "rejected"
	ClassTransient   Class = "transient"
)

// Retryable reports whether a later attempt could succeed
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// Classify returns the class of a publish error. Unmarked errors, including
// timeouts, are Transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, errors.ErrAuth):
		return ClassAuth
	case errors.Is(err, errors.ErrRejected):
		return ClassRejected
	case errors.Is(err, errors.ErrRateLimited):
		return ClassRateLimited
	default:
		return ClassTransient
	}
}

// ClassifyStatus maps an HTTP status from a platform API to a class
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassRejected
	default:
		return ClassNone
	}
}

// Sentinel returns the errors sentinel for a class
func (c Class) Sentinel() error {
	switch c {
	case ClassAuth:
		return errors.ErrAuth
	case ClassRateLimited:
		return errors.ErrRateLimited
	case ClassRejected:
		return errors.ErrRejected
	default:
		return errors.ErrTransient
	}
}

// Mark attaches class c to err
func Mark(err error, c Class) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, c.Sentinel())
}

// FromHTTP classifies an error returned by internal/httpclient. Status
// errors map by code; anything else (dial failures, timeouts) is Transient.
func FromHTTP(err error, platform string) error {
	if err == nil {
		return nil
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		wrapped := errors.Wrapf(err, "%s publish", platform)
		if se.RetryAfter > 0 {
			wrapped = errors.WithDetailf(wrapped, "retry-after: %s", se.RetryAfter)
		}
		return Mark(wrapped, ClassifyStatus(se.Code))
	}
	return Mark(errors.Wrapf(err, "%s publish", platform), ClassTransient)
}

// Message renders a failure for storage in errorMessage, prefixed with its class
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if details := errors.GetAllDetails(err); len(details) > 0 {
		msg += " (" + strings.Join(details, "; ") + ")"
	}
	return string(Classify(err)) + ": " + msg
}
