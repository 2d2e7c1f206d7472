package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/post"
)

const (
	glyphPulse = "꩜"
	glyphAM    = "≡"
)

// parseWhen resolves --at (RFC 3339) or --in (Go duration, relative to now).
// Exactly one may be set; neither returns the zero time.
func parseWhen(at, in string, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != "":
		return time.Time{}, errors.NewInvalidArgumentError("use either --at or --in, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, errors.WithHint(
				errors.NewInvalidArgumentError("invalid --at %q", at),
				"use RFC 3339, e.g. 2026-03-14T09:00:00Z")
		}
		return t.UTC(), nil
	case in != "":
		d, err := time.ParseDuration(in)
		if err != nil || d <= 0 {
			return time.Time{}, errors.WithHint(
				errors.NewInvalidArgumentError("invalid --in %q", in),
				"use a positive Go duration, e.g. 90m or 2h")
		}
		return now.Add(d).UTC(), nil
	default:
		return time.Time{}, nil
	}
}

// parseMetadata turns key=value pairs into a map
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.NewInvalidArgumentError("metadata must be key=value, got %q", pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05Z")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// truncate shortens s to n runes for table cells
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func statusStyle(s post.Status) string {
	switch s {
	case post.StatusPublished:
		return pterm.Green(string(s))
	case post.StatusFailed:
		return pterm.Red(string(s))
	case post.StatusProcessing:
		return pterm.Yellow(string(s))
	case post.StatusCancelled:
		return pterm.Gray(string(s))
	default:
		return string(s)
	}
}

func renderPosts(posts []*post.ScheduledPost) error {
	if len(posts) == 0 {
		pterm.Info.Println("No posts")
		return nil
	}
	data := pterm.TableData{{"ID", "PLATFORM", "STATUS", "SCHEDULED", "RETRIES", "CONTENT"}}
	for _, p := range posts {
		data = append(data, []string{
			p.ID,
			string(p.Platform),
			statusStyle(p.Status),
			formatTime(p.ScheduledTime),
			strconv.Itoa(p.RetryCount),
			truncate(p.Content, 48),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderPost(p *post.ScheduledPost, attempts []*post.Attempt) error {
	pairs := [][2]string{
		{"ID", p.ID},
		{"Platform", string(p.Platform)},
		{"Status", statusStyle(p.Status)},
		{"Scheduled", formatTime(p.ScheduledTime)},
		{"Retries", strconv.Itoa(p.RetryCount)},
		{"Last attempt", formatTimePtr(p.LastAttemptAt)},
		{"Error", deref(p.ErrorMessage)},
		{"External ID", deref(p.ExternalPostID)},
		{"Content item", deref(p.SourcePostID)},
		{"Created", formatTime(p.CreatedAt)},
	}
	data := pterm.TableData{}
	for _, kv := range pairs {
		data = append(data, []string{pterm.Bold.Sprint(kv[0]), kv[1]})
	}
	if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
		return err
	}
	pterm.Println()
	pterm.Println(p.Content)
	pterm.Println()

	if len(attempts) == 0 {
		pterm.Info.Println("No attempts yet")
		return nil
	}
	table := pterm.TableData{{"#", "ENGINE", "OUTCOME", "CLASS", "DURATION", "AT", "DETAIL"}}
	for _, a := range attempts {
		detail := deref(a.ErrorMessage)
		if a.ExternalPostID != nil {
			detail = *a.ExternalPostID
		}
		table = append(table, []string{
			strconv.Itoa(a.Attempt),
			a.Engine,
			string(a.Outcome),
			deref(a.ErrorClass),
			fmt.Sprintf("%dms", a.DurationMS),
			formatTime(a.AttemptedAt),
			truncate(detail, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}
