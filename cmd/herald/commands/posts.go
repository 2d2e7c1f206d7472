package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/internal/util"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/schedule"
)

// ScheduleCmd schedules content for one platform
var ScheduleCmd = &cobra.Command{
	Use:   "schedule <platform>",
	Short: "Schedule a post",
	Long: `Schedule content to be published to one platform at a future time.

Content comes from a content item (--item) or is given inline (--content).
When both are set, --content overrides the item body.

Examples:
  herald schedule linkedin --item 6f1c... --at 2026-03-14T09:00:00Z
  herald schedule x --content "v2 is out" --in 2h
  herald schedule bluesky --content "hello" --in 30m --meta lang=en`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

// RescheduleCmd changes a pending post
var RescheduleCmd = &cobra.Command{
	Use:   "reschedule <id>",
	Short: "Change the time, content or metadata of a pending post",
	Args:  cobra.ExactArgs(1),
	RunE:  runReschedule,
}

// CancelCmd cancels a pending post
var CancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.svc.Cancel(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Cancelled %s\n", args[0])
			return nil
		})
	},
}

// LsCmd lists posts
var LsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled posts",
	Long: `List scheduled posts, newest first.

Examples:
  herald ls
  herald ls --status failed
  herald ls --platform x --limit 5
  herald ls --due`,
	RunE: runLs,
}

// ShowCmd prints one post with its attempt history
var ShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a post and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(ctx context.Context, a *app) error {
			p, err := a.svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			attempts, err := a.svc.Attempts(ctx, p.ID)
			if err != nil {
				return err
			}
			return renderPost(p, attempts)
		})
	},
}

// RequeueCmd gives a failed post a fresh attempt window
var RequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Requeue a failed post",
	Long: `Move a failed post back to pending with its retry count reset.

The post runs now unless --at or --in is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

// DeleteCmd removes a post that is not being published
var DeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.admin.Delete(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var (
	scheduleItem    string
	scheduleContent string
	scheduleAt      string
	scheduleIn      string
	scheduleMeta    []string

	lsStatus   string
	lsPlatform string
	lsLimit    int
	lsDue      bool
)

func init() {
	for _, c := range []*cobra.Command{ScheduleCmd, RescheduleCmd, RequeueCmd} {
		c.Flags().StringVar(&scheduleAt, "at", "", "time in RFC 3339, e.g. 2026-03-14T09:00:00Z")
		c.Flags().StringVar(&scheduleIn, "in", "", "time relative to now, e.g. 90m")
	}
	for _, c := range []*cobra.Command{ScheduleCmd, RescheduleCmd} {
		c.Flags().StringVar(&scheduleContent, "content", "", "post text")
		c.Flags().StringArrayVar(&scheduleMeta, "meta", nil, "publisher option as key=value (repeatable)")
	}
	ScheduleCmd.Flags().StringVar(&scheduleItem, "item", "", "content item id")

	LsCmd.Flags().StringVar(&lsStatus, "status", "", "filter by status")
	LsCmd.Flags().StringVar(&lsPlatform, "platform", "", "filter by platform")
	LsCmd.Flags().IntVar(&lsLimit, "limit", 50, "maximum rows")
	LsCmd.Flags().BoolVar(&lsDue, "due", false, "only pending posts whose time has come")
}

// withApp wires the components, runs fn and releases them
func withApp(opts appOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	platform, err := post.ParsePlatform(args[0])
	if err != nil {
		return err
	}
	when, err := parseWhen(scheduleAt, scheduleIn, time.Now())
	if err != nil {
		return err
	}
	if when.IsZero() {
		return errors.NewInvalidArgumentError("a time is required: pass --at or --in")
	}
	meta, err := parseMetadata(scheduleMeta)
	if err != nil {
		return err
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		p, err := a.svc.Schedule(ctx, schedule.ScheduleRequest{
			ContentRef:    scheduleItem,
			Platform:      platform,
			ScheduledTime: when,
			Metadata:      meta,
			Content:       scheduleContent,
		})
		if err != nil {
			return err
		}
		pterm.Success.Printf("Scheduled %s for %s at %s\n", p.ID, p.Platform, formatTime(p.ScheduledTime))
		return nil
	})
}

func runReschedule(cmd *cobra.Command, args []string) error {
	when, err := parseWhen(scheduleAt, scheduleIn, time.Now())
	if err != nil {
		return err
	}
	meta, err := parseMetadata(scheduleMeta)
	if err != nil {
		return err
	}

	req := schedule.RescheduleRequest{
		NewTime:     util.RefIf(!when.IsZero(), when),
		NewContent:  util.RefIf(cmd.Flags().Changed("content"), scheduleContent),
		NewMetadata: meta,
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		p, err := a.svc.Reschedule(ctx, args[0], req)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Rescheduled %s for %s\n", p.ID, formatTime(p.ScheduledTime))
		return nil
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	f := post.Filter{Limit: lsLimit}
	if lsStatus != "" {
		if !post.IsValidStatus(lsStatus) {
			return errors.WithHintf(errors.NewInvalidArgumentError("unknown status %q", lsStatus),
				"valid statuses: %v", post.AllStatuses())
		}
		f.Status = post.Status(lsStatus)
	}
	if lsPlatform != "" {
		p, err := post.ParsePlatform(lsPlatform)
		if err != nil {
			return err
		}
		f.Platform = p
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		var posts []*post.ScheduledPost
		var err error
		if lsDue {
			posts, err = a.svc.ListDue(ctx, time.Now())
		} else {
			posts, err = a.svc.List(ctx, f)
		}
		if err != nil {
			return err
		}
		return renderPosts(posts)
	})
}

func runRequeue(cmd *cobra.Command, args []string) error {
	when, err := parseWhen(scheduleAt, scheduleIn, time.Now())
	if err != nil {
		return err
	}
	var at *time.Time
	if !when.IsZero() {
		at = &when
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		p, err := a.admin.Requeue(ctx, args[0], at)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Requeued %s for %s\n", p.ID, formatTime(p.ScheduledTime))
		return nil
	})
}
