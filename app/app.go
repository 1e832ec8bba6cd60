// Package app assembles the workflow subsystem from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/issue-workflow/config"
	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/issues"
	"github.com/songzhibin97/issue-workflow/lock"
	"github.com/songzhibin97/issue-workflow/logging"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/scheme"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
	"github.com/songzhibin97/issue-workflow/workflow"
)

// App holds every long-lived component of the subsystem.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.EntityStore
	Bus       *events.EventBus
	Guard     *lock.Guard
	Registry  *rules.Registry
	Statuses  *issues.Statuses
	Projects  *issues.Projects
	Index     *issues.MemoryIndex
	Schemes   *scheme.Manager
	Workflows *workflow.Manager
	Engine    *workflow.Engine

	permissions issues.PermissionOracle
	closers     []func() error
	now         func() time.Time
}

// Option customizes New.
type Option func(*App)

// WithPermissions replaces the allow-all permission oracle.
func WithPermissions(p issues.PermissionOracle) Option {
	return func(a *App) { a.permissions = p }
}

// WithLogger sets the root logger. By default New logs to stderr as configured.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithClock overrides the wall clock used by the managers and the engine.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// New opens the configured backends and wires the managers on top of them.
// The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, now: time.Now}
	for _, option := range options {
		option(a)
	}
	if a.Logger == nil {
		a.Logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}

	client, err := a.openStore(cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	locks, err := a.openLocks(cfg, client)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Guard = lock.NewGuard(locks, a.module("lock"))

	a.Bus = events.NewEventBus(
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithLogger(a.module("events")),
	)
	a.closers = append(a.closers, func() error {
		a.Bus.Stop()
		return nil
	})
	audit := a.module("audit")
	a.Bus.SubscribeFunc(events.AllEvents, func(_ context.Context, e events.Event) error {
		audit.Debug("lifecycle event", "type", e.Type, "subject", e.Subject, "actor", e.Actor)
		return nil
	})

	a.Registry = rules.NewRegistry(nil)
	a.Statuses = issues.NewStatuses(a.Store)
	a.Projects = issues.NewProjects(a.Store)
	a.Index = issues.NewMemoryIndex()
	a.Schemes = scheme.NewManager(a.Store, a.Guard,
		scheme.WithNotifier(a.Bus),
		scheme.WithLogger(a.module("scheme")),
		scheme.WithClock(a.now),
		scheme.WithSystemDefault(cfg.Workflow.SystemDefault),
	)
	a.Workflows = workflow.NewManager(a.Store, a.Schemes,
		workflow.WithStatusCatalog(a.Statuses),
		workflow.WithRegistry(a.Registry),
		workflow.WithNotifier(a.Bus),
		workflow.WithLogger(a.module("workflow")),
		workflow.WithClock(a.now),
	)
	engineOptions := []workflow.EngineOption{
		workflow.WithRules(a.Registry),
		workflow.WithIndex(a.Index),
		workflow.WithEventNotifier(a.Bus),
		workflow.WithEngineLogger(a.module("engine")),
		workflow.WithEngineClock(a.now),
	}
	if a.permissions != nil {
		engineOptions = append(engineOptions, workflow.WithPermissions(a.permissions))
	}
	a.Engine = workflow.NewEngine(a.Store, a.Workflows, a.Schemes.Resolver(), engineOptions...)

	if err := a.seedStatuses(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Logger.Info("workflow subsystem ready",
		"storage", cfg.Storage.Backend,
		"lock", cfg.Lock.Backend,
		"systemDefault", cfg.Workflow.SystemDefault,
	)
	return a, nil
}

func (a *App) module(name string) *slog.Logger {
	return a.Logger.With("module", name)
}

// openStore returns the redis client when the storage backend owns one.
func (a *App) openStore(cfg config.StorageConfig) (*redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, nil)
		if err != nil {
			return nil, err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		return s.Client(), nil
	case "sqlite":
		s, err := storage.OpenSQLite(cfg.SQLite.Path, nil)
		if err != nil {
			return nil, err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		return nil, nil
	default:
		a.Store = storage.NewMemoryStorage(nil)
		return nil, nil
	}
}

func (a *App) openLocks(cfg *config.Config, client *redis.Client) (lock.Service, error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewMemoryService(), nil
	}
	if client == nil {
		var err error
		client, err = storage.NewRedisClient(storage.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			PoolSize: cfg.Storage.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
	}
	return lock.NewRedisService(client, lock.RedisOptions{
		KeyPrefix:     cfg.Lock.KeyPrefix,
		TTL:           cfg.Lock.TTL,
		RetryInterval: cfg.Lock.RetryInterval,
		MaxWait:       cfg.Lock.MaxWait,
	}), nil
}

// seedStatuses adds the statuses of the built-in workflow that are not in the catalog yet.
func (a *App) seedStatuses(ctx context.Context) error {
	for _, status := range issues.SystemStatuses() {
		_, err := a.Statuses.ResolveStatus(ctx, status.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, issues.ErrStatusNotFound) {
			return err
		}
		if err := a.Statuses.Add(ctx, status); err != nil {
			return fmt.Errorf("failed to seed status %q: %w", status.ID, err)
		}
	}
	return nil
}

// PublishDraft publishes the draft of name, keeping a timestamped backup when configured to.
func (a *App) PublishDraft(ctx context.Context, user *types.User, name string) (types.Workflow, error) {
	backup := ""
	if a.Config.Workflow.BackupOnPublish {
		backup = fmt.Sprintf("%s (backup %s)", name, a.now().UTC().Format("20060102-150405"))
	}
	return a.Workflows.PublishDraftWorkflow(ctx, user, name, backup)
}

// Close stops the event bus and releases the backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
