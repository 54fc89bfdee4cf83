package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sjq4/agent/internal/coordinator"
	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/registry"
	"github.com/sjq4/agent/internal/script"
)

// Coordinator is the coordinator as seen by a single run.
type Coordinator interface {
	SideChannel
	Update(ctx context.Context, qt model.QueuedTask) error
	LogTaskOutput(ctx context.Context, qt model.QueuedTask, output string) error
	LogTestOutput(ctx context.Context, qt model.QueuedTask, output string) error
}

// ConfigSource provides the current agent configuration.
type ConfigSource interface {
	Config() model.Config
}

type testResult int

const (
	testPass testResult = iota
	testFail
	testSkip
)

func (r testResult) String() string {
	switch r {
	case testPass:
		return "PASS"
	case testSkip:
		return "SKIP"
	default:
		return "FAIL"
	}
}

// Engine executes queued tasks: the optional test phase, the main phase
// and the final report to the coordinator.
type Engine struct {
	reg     *registry.Registry
	cfg     ConfigSource
	dial    func(model.QueuedTask) Coordinator
	builtin []string
	env     []string
	wg      sync.WaitGroup
}

// NewEngine creates an engine registering its runs in reg. Builtin is the
// command line evaluating JavaScript task scripts, see script.Resolve.
func NewEngine(reg *registry.Registry, cfg ConfigSource, builtin []string) *Engine {
	return &Engine{
		reg: reg,
		cfg: cfg,
		dial: func(qt model.QueuedTask) Coordinator {
			return coordinator.ForTask(qt, 0)
		},
		builtin: builtin,
		env:     os.Environ(),
	}
}

// WithCoordinator replaces the coordinator client of all runs.
// This method exists for a unit testing only.
func (e *Engine) WithCoordinator(dial func(model.QueuedTask) Coordinator) *Engine {
	e.dial = dial
	return e
}

// Start registers the run and executes it in a new goroutine labeled by
// the run id. It does not wait for the run, use Wait for that.
// A run already active is not started again.
func (e *Engine) Start(ctx context.Context, qt model.QueuedTask) error {
	runner := NewRunner()
	id := qt.RunID()
	if err := e.reg.Register(id, runner); err != nil {
		return err
	}
	// a run outlives the request which started it
	ctx = context.WithoutCancel(ctx)
	e.wg.Go(func() {
		pprof.Do(ctx, pprof.Labels("run", id.String()), func(ctx context.Context) {
			e.run(ctx, qt, runner)
		})
	})
	return nil
}

// Run registers and executes qt, reports its result to the coordinator
// and returns the final state. Failures never escape, they end up in the
// state. A run already active is dropped and its state returned unchanged.
func (e *Engine) Run(ctx context.Context, qt model.QueuedTask) (model.State, time.Time) {
	runner := NewRunner()
	if err := e.reg.Register(qt.RunID(), runner); err != nil {
		slog.WarnContext(ctx, "run dropped", "run", qt.RunID().String(), "error", err)
		return qt.State, qt.Completed
	}
	return e.run(ctx, qt, runner)
}

// Wait blocks until all started runs finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, qt model.QueuedTask, runner *Runner) (model.State, time.Time) {
	id := qt.RunID()
	ctx = log.ContextAttrs(ctx,
		slog.String("run", id.String()),
		slog.String("task", qt.TaskID),
	)
	defer func() {
		if !e.reg.Remove(id, runner) {
			slog.DebugContext(ctx, "run already removed by a kill")
		}
	}()

	cfg := e.cfg.Config()
	coord := e.dial(qt)
	qt.State = model.StateRunning
	if qt.Started.IsZero() {
		qt.Started = time.Now().UTC()
	}
	env := TaskEnv(e.env, qt, cfg.Agent.MapDir)
	slog.InfoContext(ctx, "starting a run", "exe", qt.Executable, "test", qt.Test)

	result := e.test(ctx, &qt, runner, coord, cfg, env)
	switch result {
	case testFail:
		qt.State = model.StateReturned
	case testSkip:
		qt.State = model.StateSkipped
	default:
		rc := e.exe(ctx, qt, runner, coord, cfg, env)
		if qt.Accepts(rc) {
			qt.State = model.StateCompleted
		} else {
			qt.State = model.StateFailed
		}
		slog.InfoContext(ctx, "main phase finished", "rc", rc)
	}
	qt.Completed = time.Now().UTC()

	if err := coord.Update(ctx, qt); err != nil {
		// no local retry, the coordinator reconciles runs it never heard from
		log.Fatal(ctx, "final update failed", "state", qt.State, "error", err)
	} else {
		slog.InfoContext(ctx, "run finished", "test", result.String(), "state", qt.State)
	}
	return qt.State, qt.Completed
}

// test runs the test phase. After a PASS the main phase arguments are
// read back from the coordinator, as the test may have rewritten them.
func (e *Engine) test(ctx context.Context, qt *model.QueuedTask, runner *Runner, coord Coordinator, cfg model.Config, env []string) testResult {
	if qt.Test == "" {
		return testPass
	}
	path := model.TrimScript(qt.Test)
	if path == "" {
		slog.ErrorContext(ctx, "test script path is missing: test failed")
		return testFail
	}
	if err := readable(path); err != nil {
		slog.ErrorContext(ctx, "test script is not readable: test failed", "path", path, "error", err)
		return testFail
	}

	timeout := time.Duration(cfg.Agent.TestTimeout) * time.Second
	if timeout <= 0 {
		timeout = model.DefaultTestTimeout * time.Second
	}
	rc, out := e.runScript(ctx, runner, cfg, path, Expand(qt.TestArgs, qt.Metadata), env, timeout)
	if out != "" {
		if err := coord.LogTestOutput(ctx, *qt, out); err != nil {
			slog.ErrorContext(ctx, "sending test output failed", "error", err)
		}
	}

	var result testResult
	switch rc {
	case 0:
		result = testPass
	case 2:
		result = testSkip
	default:
		result = testFail
	}
	slog.DebugContext(ctx, "test phase finished", "rc", rc, "result", result.String())
	if result != testPass {
		return result
	}

	args, err := coord.GetExeArgs(ctx, *qt)
	if err != nil {
		slog.WarnContext(ctx, "reading exe args failed: keeping the original ones", "error", err)
		return result
	}
	qt.ExeArguments = args
	return result
}

// exe runs the main phase and returns its return code.
func (e *Engine) exe(ctx context.Context, qt model.QueuedTask, runner *Runner, coord Coordinator, cfg model.Config, env []string) int {
	args := Expand(qt.ExeArguments, qt.Metadata)
	var rc int
	var out string
	if model.IsScript(qt.Executable) {
		path := model.TrimScript(qt.Executable)
		if err := readable(path); err != nil {
			slog.ErrorContext(ctx, "script is not readable: task failed", "path", path, "error", err)
			rc, out = ExitError, fmt.Sprintf("Unable to read script! [%s]\n", path)
		} else {
			rc, out = e.runScript(ctx, runner, cfg, path, args, env, qt.MaxDuration())
		}
	} else {
		rc, out = e.runExe(ctx, runner, qt.Executable, args, env, qt.MaxDuration())
	}

	if out != "" {
		if err := coord.LogTaskOutput(ctx, qt, out); err != nil {
			slog.ErrorContext(ctx, "sending task output failed", "error", err)
		}
	}
	return rc
}

func (e *Engine) runScript(ctx context.Context, runner *Runner, cfg model.Config, path, args string, env []string, timeout time.Duration) (int, string) {
	argv, err := script.Resolve(path, cfg.Agent.Interpreters, e.builtin)
	if err != nil {
		slog.ErrorContext(ctx, "resolving script interpreter", "path", path, "error", err)
		return ExitError, err.Error() + "\n"
	}
	split, err := SplitArgs(args)
	if err != nil {
		return ExitError, err.Error() + "\n"
	}
	if !script.IsBuiltin(argv, e.builtin) {
		res := runner.Run(ctx, Command{
			Path:    argv[0],
			Args:    append(argv[1:], split...),
			Env:     env,
			Timeout: timeout,
		})
		return exitStatus(res)
	}

	f, err := os.CreateTemp("", "sjq4-result-*")
	if err != nil {
		return ExitError, err.Error() + "\n"
	}
	result := f.Name()
	defer func() {
		if err := os.Remove(result); err != nil {
			slog.DebugContext(ctx, "removing script result", "error", err)
		}
	}()
	if err := f.Close(); err != nil {
		return ExitError, err.Error() + "\n"
	}

	res := runner.Run(ctx, Command{
		Path:    argv[0],
		Args:    append(argv[1:], split...),
		Env:     append(env[:len(env):len(env)], script.EnvResult+"="+result),
		Timeout: timeout,
	})
	rc, out := exitStatus(res)
	if res.TimedOut || res.Killed || res.State == nil {
		return rc, out
	}
	v, ok, err := script.ReadResult(result)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "reading script result", "path", path, "error", err)
		return ExitError, out
	case !ok:
		// the host died before the script finished
		slog.ErrorContext(ctx, "script host wrote no result", "path", path, "exit", rc)
		return ExitError, out
	}
	return v, out
}

func (e *Engine) runExe(ctx context.Context, runner *Runner, exe, args string, env []string, timeout time.Duration) (int, string) {
	path, err := exec.LookPath(exe)
	if err != nil {
		msg := fmt.Sprintf("Exe does not exist or cannot be executed! [%s]", exe)
		slog.ErrorContext(ctx, msg, "error", err)
		return ExitError, msg + "\n"
	}
	split, err := SplitArgs(args)
	if err != nil {
		return ExitError, err.Error() + "\n"
	}
	res := runner.Run(ctx, Command{
		Path:    path,
		Args:    split,
		Env:     env,
		Timeout: timeout,
	})
	return exitStatus(res)
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
