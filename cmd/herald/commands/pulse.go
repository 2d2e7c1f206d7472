package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/health"
	"github.com/teranos/herald/internal/httpclient"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/dispatch"
	"github.com/teranos/herald/pulse/schedule"
	"github.com/teranos/herald/server"
)

// StartCmd runs the dispatch daemon
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: glyphPulse + " Start the dispatch daemon",
	Long: glyphPulse + ` Start the dispatch daemon in the foreground.

The poll engine scans for due posts every pulse.poll_interval_seconds.
The queue engine runs a worker pool over a durable broker (SQLite or redis).
With server.port set, the admin API and event stream are served too.

Runs until interrupted (Ctrl+C); in-flight publishes finish first.

Examples:
  herald start
  herald start --engine queue --workers 3`,
	RunE: runStart,
}

// DispatchCmd runs dispatch cycles by hand
var DispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch due posts",
	Long: `Claim and publish every post that is due, then exit.

Useful from an external scheduler (cron, systemd timers) instead of the daemon.`,
	RunE: runDispatch,
}

// HealthCmd reports whether herald can publish
var HealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check health",
	Long: `Ask the running daemon for its health, falling back to local checks
(store and credentials) when no daemon answers. Exits non-zero when unhealthy.`,
	RunE: runHealth,
}

// StatsCmd prints dispatch counters
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dispatch statistics",
	Long: `Show the running daemon's counters, or totals from the attempt history
when no daemon answers.`,
	RunE: runStats,
}

// PauseCmd stops claiming new work in every process sharing the database
var PauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.control.Pause(ctx); err != nil {
				return err
			}
			pterm.Warning.Println("Dispatch paused; in-flight publishes will finish")
			return nil
		})
	},
}

// ResumeCmd clears the pause switch
var ResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.control.Resume(ctx); err != nil {
				return err
			}
			pterm.Success.Println("Dispatch resumed")
			return nil
		})
	},
}

var (
	startEngine  string
	startWorkers int
	dispatchOnce bool
	statsSince   time.Duration
)

func init() {
	StartCmd.Flags().StringVar(&startEngine, "engine", "", "dispatch engine: poll or queue (default from pulse.engine)")
	StartCmd.Flags().IntVar(&startWorkers, "workers", 0, "queue engine workers (default from pulse.workers)")

	DispatchCmd.Flags().BoolVar(&dispatchOnce, "once", true, "run a single cycle and exit")

	StatsCmd.Flags().DurationVar(&statsSince, "since", 24*time.Hour, "history window when no daemon answers")
}

// engineRunner is what start drives: the poller or the queue processor
type engineRunner interface {
	Start(ctx context.Context) error
	Stop()
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{engine: startEngine, workers: startWorkers})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configured := a.registry.Configured()
	if len(configured) == 0 {
		pterm.Warning.Println("No platform has credentials; posts will fail with auth errors")
	}

	var engine engineRunner
	if a.processor != nil {
		engine = a.processor
	} else {
		engine = schedule.NewPoller(a.disp, a.control, schedule.PollerConfig{
			Interval:     a.cfg.PollInterval(),
			ReclaimAfter: a.cfg.ReclaimAfter(),
		}, a.log)
	}

	var srv *server.Server
	srvErr := make(chan error, 1)
	if a.cfg.Server.Port > 0 {
		srv = server.New(server.Deps{
			Service: a.svc,
			Admin:   a.admin,
			Health:  a.health,
			Control: a.control,
		}, server.Options{Port: a.cfg.Server.Port, AllowedOrigins: a.cfg.Server.AllowedOrigins}, a.log)
		a.disp.Subscribe(srv.Hub())
		go func() { srvErr <- srv.Start() }()
	}

	if err := engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start dispatch engine")
	}

	pterm.Success.Printf("%s herald started\n", glyphPulse)
	pterm.Printf("  Engine: %s\n", a.cfg.Pulse.Engine)
	if a.processor != nil {
		pterm.Printf("  Broker: %s, workers: %d\n", a.cfg.Pulse.Broker, a.cfg.Pulse.Workers)
	} else {
		pterm.Printf("  Poll interval: %s\n", a.cfg.PollInterval())
	}
	pterm.Printf("  Platforms with credentials: %v\n", configured)
	if srv != nil {
		pterm.Printf("  Admin API: http://localhost:%d/api\n", a.cfg.Server.Port)
	}
	pterm.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", glyphPulse)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = err
	}

	pterm.Info.Printf("%s Shutting down...\n", glyphPulse)
	engine.Stop()
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			a.log.Warnw("Admin API shutdown failed", "error", err)
		}
	}
	pterm.Success.Printf("%s herald stopped\n", glyphPulse)
	return runErr
}

func runDispatch(cmd *cobra.Command, args []string) error {
	if !dispatchOnce {
		return errors.WithHint(errors.NewInvalidArgumentError("dispatch only supports --once"),
			"use herald start for continuous dispatch")
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		poller := schedule.NewPoller(a.disp, a.control, schedule.PollerConfig{
			Interval:     a.cfg.PollInterval(),
			ReclaimAfter: a.cfg.ReclaimAfter(),
		}, a.log)

		res, err := poller.RunOnce(ctx)
		if errors.Is(err, schedule.ErrPaused) {
			pterm.Warning.Println("Dispatch is paused; run herald resume first")
			return nil
		}
		if err != nil {
			return err
		}
		pterm.Success.Printf("Dispatched: %d due, %d published, %d retrying, %d failed, %d throttled, %d lost to another dispatcher\n",
			res.Due, res.Published, res.Retrying, res.Failed, res.Deferred, res.Lost)
		if res.Errors > 0 {
			return errors.Newf("%d posts could not be recorded; see the log", res.Errors)
		}
		return nil
	})
}

// daemonClient returns a client for the local admin API, nil when disabled
func daemonClient(cfg *am.Config) *httpclient.Client {
	if cfg.Server.Port <= 0 {
		return nil
	}
	c, err := httpclient.New(fmt.Sprintf("http://localhost:%d", cfg.Server.Port), httpclient.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil
	}
	return c
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		var rep health.Report
		source := "daemon"

		client := daemonClient(a.cfg)
		if client == nil {
			source = "local"
		} else if _, err := client.Do(ctx, http.MethodGet, "/api/health", nil, nil, &rep); err != nil {
			// an unhealthy daemon answers 503; the local checks still say why
			a.log.Debugw("Daemon health unavailable", "error", err)
			source = "local"
		}
		if source == "local" {
			// no workers in this process, so skip worker checks
			rep = health.NewReporter(a.db, a.registry, nil, health.WithPause(a.control)).HealthCheck(ctx)
		}

		keys := make([]string, 0, len(rep.Details))
		for k := range rep.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		data := pterm.TableData{{"CHECK", "VALUE"}}
		for _, k := range keys {
			data = append(data, []string{k, fmt.Sprint(rep.Details[k])})
		}
		data = append(data, []string{"due", strconv.Itoa(rep.DueCount)})
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}

		if !rep.Healthy {
			pterm.Error.Printf("Unhealthy (%s): %s\n", source, rep.Message)
			return errors.Newf("unhealthy: %s", rep.Message)
		}
		pterm.Success.Printf("Healthy (%s)\n", source)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		if client := daemonClient(a.cfg); client != nil {
			var snap dispatch.Snapshot
			if _, err := client.Do(ctx, http.MethodGet, "/api/stats", nil, nil, &snap); err == nil {
				return renderSnapshot(snap)
			}
			pterm.Warning.Println("Daemon not reachable; showing attempt history")
		}

		since := time.Now().Add(-statsSince)
		totals, err := a.disp.Posts().AttemptTotalsSince(ctx, since)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Printf("Attempts since %s", formatTime(since))
		data := pterm.TableData{
			{"Total", strconv.Itoa(totals.Total)},
			{"Published", strconv.Itoa(totals.Published)},
			{"Retrying", strconv.Itoa(totals.Retrying)},
			{"Failed", strconv.Itoa(totals.Failed)},
		}
		platforms := make([]string, 0, len(totals.PerPlatform))
		for p := range totals.PerPlatform {
			platforms = append(platforms, string(p))
		}
		sort.Strings(platforms)
		for _, p := range platforms {
			data = append(data, []string{"  " + p, strconv.Itoa(totals.PerPlatform[post.Platform(p)])})
		}
		return pterm.DefaultTable.WithData(data).Render()
	})
}

func renderSnapshot(snap dispatch.Snapshot) error {
	pterm.DefaultSection.Printf("Since %s", formatTime(snap.StartedAt))
	data := pterm.TableData{
		{"Cycles", strconv.FormatInt(snap.TotalRuns, 10)},
		{"Processed", strconv.FormatInt(snap.TotalProcessed, 10)},
		{"Published", strconv.FormatInt(snap.TotalSuccessful, 10)},
		{"Failed attempts", strconv.FormatInt(snap.TotalFailed, 10)},
		{"Retried", strconv.FormatInt(snap.TotalRetried, 10)},
		{"Skipped cycles", strconv.FormatInt(snap.SkippedCycles, 10)},
		{"Claims lost", strconv.FormatInt(snap.ClaimsLost, 10)},
		{"Reclaimed", strconv.FormatInt(snap.Reclaimed, 10)},
		{"Throttled", strconv.FormatInt(snap.Throttled, 10)},
		{"Last cycle", formatTimePtr(snap.LastRunAt)},
	}
	if err := pterm.DefaultTable.WithData(data).Render(); err != nil {
		return err
	}

	if len(snap.RecentErrors) == 0 {
		return nil
	}
	pterm.DefaultSection.Println("Recent errors")
	errs := pterm.TableData{{"AT", "POST", "PLATFORM", "CLASS", "MESSAGE"}}
	for _, e := range snap.RecentErrors {
		errs = append(errs, []string{formatTime(e.At), e.PostID, string(e.Platform), e.Class, truncate(e.Message, 60)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(errs).Render()
}
