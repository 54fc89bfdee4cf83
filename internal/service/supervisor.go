package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/sjq4/agent/internal/listener"
	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/registry"
)

// Agent is the long running agent process: it serves coordinator
// commands, executes runs and keeps its configuration up to date.
type Agent struct {
	id         string
	settings   Settings
	store      *Store
	reg        *registry.Registry
	engine     *Engine
	dispatcher *listener.Dispatcher
}

func NewAgent(ctx context.Context, settings Settings) (*Agent, error) {
	store, err := OpenStore(ctx, settings.Config)
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	reg := registry.New()
	engine := NewEngine(reg, store, settings.Builtin())
	return &Agent{
		id:         uuid.NewString(),
		settings:   settings,
		store:      store,
		reg:        reg,
		engine:     engine,
		dispatcher: listener.New(engine, reg, store),
	}, nil
}

// WithCoordinator replaces the coordinator client of all runs.
// This method exists for a unit testing only.
func (a *Agent) WithCoordinator(dial func(model.QueuedTask) Coordinator) *Agent {
	a.engine.WithCoordinator(dial)
	return a
}

// Store returns the configuration store of the agent.
func (a *Agent) Store() *Store {
	return a.store
}

// Do listens on the configured address and serves until ctx is cancelled.
func (a *Agent) Do(ctx context.Context) error {
	addr := a.settings.Addr(a.store.Config().Agent.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the agent on ln.
//
// Startup: starts the configuration reload job.
// Shutdown (deferred order): stop accepting connections -> kill every
// active run -> wait for the runs to report -> stop the reload job.
// Returns nil on graceful cancellation.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	ctx = log.ContextAttrs(ctx, slog.String("agent", a.id))
	slog.InfoContext(ctx, "starting an agent", "config", a.store.Path())

	scheduler, err := newScheduler(ctx, a.settings.ReloadEach, func() { a.reload(ctx) })
	if err != nil {
		_ = ln.Close()
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	defer func() {
		n, err := a.reg.KillAll()
		if err != nil {
			slog.ErrorContext(ctx, "killing active runs", "error", err)
		}
		if n > 0 {
			slog.InfoContext(ctx, "killed active runs", "count", n)
		}
		a.engine.Wait()
		slog.InfoContext(ctx, "agent stopped")
	}()

	err = a.dispatcher.Serve(ctx, ln)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) reload(ctx context.Context) {
	before := a.store.Config()
	changed, err := a.store.Reload(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reloading configuration failed: keeping the previous one", "error", err)
		return
	}
	if !changed {
		return
	}
	after := a.store.Config()
	if before.Agent.Port != after.Agent.Port && a.settings.Listen == "" {
		slog.WarnContext(ctx, "agent.port changed: restart the agent to listen on it",
			"port", before.Agent.Port, "new_port", after.Agent.Port)
	}
	slog.InfoContext(ctx, "configuration reloaded", "tasks", len(after.Tasks))
}

func newScheduler(ctx context.Context, each time.Duration, reloadFunc func()) (gocron.Scheduler, error) {
	if each <= 0 {
		return nil, fmt.Errorf("invalid reload interval %s", each)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(each),
		gocron.NewTask(reloadFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "configuration reload scheduled", "each", each.String())
	return s, nil
}
