package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/engine"
	"fleetline/internal/metrics"
	"fleetline/internal/migrate"
	"fleetline/internal/notify"
)

const defaultProjectID = "default"

// Options selects the workspace and the optional outer layers.
type Options struct {
	Workspace       string
	ProjectOverride string
	Logger          *log.Logger
	// Metrics registers Prometheus collectors and wires them into the engine.
	Metrics bool
	// Notify enables the configured webhook and Redis sinks. The log sink is
	// always on.
	Notify bool
	// RedisAddr overrides notifications.redis.addr from the config file.
	RedisAddr string
}

// App is an opened workspace: database, config and a ready engine.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics

	sinks notify.Multi
	redis *notify.RedisStream
}

// ResolveConfig loads fleetline.yml from workspace or falls back to the
// defaults. A non-empty override replaces the configured project id.
func ResolveConfig(workspace, projectOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		id := projectOverride
		if id == "" {
			id = defaultProjectID
		}
		cfg = config.Default(id)
	}
	if projectOverride != "" {
		cfg.Project.ID = projectOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the database and builds the
// engine around them.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ProjectOverride)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{DB: conn, Config: cfg}
	a.sinks = notify.Multi{notify.LogSink{Logger: opts.Logger}}
	if opts.Notify {
		a.sinks = append(a.sinks, notify.Webhooks(cfg.Notifications.Webhooks)...)
		rc := cfg.Notifications.Redis
		if opts.RedisAddr != "" {
			rc.Addr = opts.RedisAddr
		}
		if rc.Addr != "" {
			stream, err := notify.NewRedisStream(ctx, rc.Addr, rc.Stream, rc.MaxLen)
			if err != nil {
				conn.Close()
				return nil, err
			}
			stream.Logger = opts.Logger
			a.redis = stream
			a.sinks = append(a.sinks, stream)
		}
	}
	if opts.Metrics {
		a.Metrics = metrics.New("fleetline")
	}
	e := engine.New(conn, cfg)
	e.Logger = opts.Logger
	e.Metrics = a.Metrics
	e.Notifier = a.sinks
	a.Engine = e
	return a, nil
}

// AddSink attaches another notification listener. Engines copied before the
// call keep the previous sink set.
func (a *App) AddSink(s notify.Sink) {
	a.sinks = append(a.sinks, s)
	a.Engine.Notifier = a.sinks
}

// Redis returns the Redis notification stream, or nil when none is configured.
func (a *App) Redis() *notify.RedisStream {
	return a.redis
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
