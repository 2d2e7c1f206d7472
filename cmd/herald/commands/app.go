package commands

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/health"
	"github.com/teranos/herald/internal/httpclient"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/publisher"
	"github.com/teranos/herald/publisher/bluesky"
	"github.com/teranos/herald/publisher/linkedin"
	"github.com/teranos/herald/publisher/x"
	"github.com/teranos/herald/pulse/async"
	"github.com/teranos/herald/pulse/dispatch"
	"github.com/teranos/herald/pulse/schedule"
)

// DatabasePath overrides database.path when set (--db)
var DatabasePath string

// app holds the wired components one command invocation needs
type app struct {
	cfg       *am.Config
	db        *sql.DB
	registry  *publisher.Registry
	stats     *dispatch.Stats
	disp      *dispatch.Dispatcher
	control   *dispatch.Control
	svc       *schedule.Service
	admin     *schedule.Admin
	health    *health.Reporter
	processor *async.Processor // queue engine only
	redis     *redis.Client
	log       *zap.SugaredLogger
}

// appOptions override configuration for one invocation
type appOptions struct {
	engine  string
	workers int
}

// loadConfig loads, applies overrides and validates
func loadConfig(opts appOptions) (*am.Config, error) {
	loaded, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	cfg := *loaded
	if DatabasePath != "" {
		cfg.Database.Path = DatabasePath
	}
	if opts.engine != "" {
		cfg.Pulse.Engine = opts.engine
	}
	if opts.workers > 0 {
		cfg.Pulse.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// newApp opens the database and wires the engine selected by configuration.
// Nothing is started; callers decide what runs.
func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := logger.Logger

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		registry: buildRegistry(cfg, log),
		stats:    dispatch.NewStats(),
		control:  dispatch.NewControl(database),
		log:      log,
	}
	a.disp = dispatch.NewDispatcher(database, a.registry, a.stats, dispatch.Config{
		Engine:     cfg.Pulse.Engine,
		MaxRetries: cfg.Pulse.MaxRetries,
	}, log)

	var svcOpts []schedule.Option
	healthOpts := []health.Option{health.WithPause(a.control)}

	if cfg.Pulse.Engine == am.EngineQueue {
		broker, err := a.newBroker()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.processor = async.NewProcessor(broker, a.disp, a.control, async.ProcessorConfig{
			Workers:         cfg.Pulse.Workers,
			PollInterval:    cfg.QueuePollInterval(),
			Lease:           4 * cfg.PublishTimeout(),
			ReclaimAfter:    cfg.ReclaimAfter(),
			RetryBackoff:    cfg.RetryBackoff(),
			MaxRetryBackoff: cfg.MaxRetryBackoff(),
		}, log)
		svcOpts = append(svcOpts, schedule.WithEnqueuer(a.processor))
		healthOpts = append(healthOpts, health.WithQueue(a.processor))
	}

	a.svc = schedule.NewService(database, a.registry, log, svcOpts...)
	a.admin = schedule.NewAdmin(a.svc, a.control)
	a.health = health.NewReporter(database, a.registry, a.stats, healthOpts...)
	return a, nil
}

func (a *app) newBroker() (async.Broker, error) {
	if a.cfg.Pulse.Broker != am.BrokerRedis {
		return async.NewSQLiteBroker(a.db), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	broker := async.NewRedisBroker(a.redis, a.cfg.Redis.Prefix)
	if err := broker.Ping(context.Background()); err != nil {
		return nil, errors.WithHintf(
			errors.Wrapf(err, "redis broker at %s is unreachable", a.cfg.Redis.Addr),
			"start redis or set pulse.broker = %q", am.BrokerSQLite)
	}
	return broker, nil
}

// Close releases the database and broker connections
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warnw("Failed to close redis client", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Failed to close database", "error", err)
	}
}

// buildRegistry registers every known platform; only those with
// credentials can publish.
func buildRegistry(cfg *am.Config, log *zap.SugaredLogger) *publisher.Registry {
	reg := publisher.NewRegistry(cfg.PublishTimeout(), log.Named("publisher"))
	httpOpts := httpclient.Options{Timeout: cfg.PublishTimeout()}

	for _, platform := range post.AllPlatforms() {
		pc := cfg.Platforms[string(platform)]
		creds := publisher.Credentials{
			AccessToken:  pc.AccessToken,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Handle:       pc.Handle,
			Endpoint:     pc.Endpoint,
		}

		var p publisher.Publisher
		switch platform {
		case post.PlatformLinkedIn:
			p = linkedin.New(httpOpts)
		case post.PlatformX:
			p = x.New(httpOpts)
		case post.PlatformBluesky:
			p = bluesky.New(&http.Client{Timeout: cfg.PublishTimeout()})
		}
		reg.Register(platform, p, creds, pc.MaxPostsPerMinute)
	}
	return reg
}

// openDatabase opens and migrates the database at path
func openDatabase(path string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
