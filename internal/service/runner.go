package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrRunNotStarted = errors.New("run not started")
	ErrRunInProgress = errors.New("run in progress")
	ErrRunKilled     = errors.New("run killed on request")
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// orphaned grandchildren once the process itself exited or was killed.
const waitDelay = 2 * time.Second

// Runner runs the processes of a single run one after another. It's the
// cancellation handle stored in the active run registry: once killed, the
// running process group is terminated and no other process is started.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	killed bool
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrRunNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	Stderr   *bytes.Buffer
	TimedOut bool
	Killed   bool
	Err      error
}

// ExitCode returns the exit code of the process, or -1 if it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process. It returns ErrRunKilled, ErrRunInProgress or an
// exec error, otherwise nil. It does NOT wait for the process, use
// WaitChan or Run for that.
func (r *Runner) Start(ctx context.Context, proto Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.killed {
		r.result = Result{Path: proto.Path, Args: proto.Args, Killed: true, Err: ErrRunKilled}
		return ErrRunKilled
	}
	if r.cmd != nil {
		return ErrRunInProgress
	}

	r.result = Result{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	var cancel context.CancelFunc
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = r.result.Stdout
	cmd.Stderr = r.result.Stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process)
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.cancel = cancel

	go r.wait(ctx, cmd)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancel()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Killed = r.killed
	r.result.TimedOut = timedOut && !r.killed
	r.result.Err = err
	r.cmd = nil
	r.cancel = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// process. The channel is closed once the process ends. If nothing runs,
// the last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Run starts the process and waits for its result.
func (r *Runner) Run(ctx context.Context, proto Command) Result {
	if err := r.Start(ctx, proto); err != nil {
		return r.Result()
	}
	return <-r.WaitChan()
}

// Kill terminates the running process group, if any, and prevents
// every later Start.
func (r *Runner) Kill() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.killed = true
	if r.cmd != nil && r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Killed reports whether Kill was called.
func (r *Runner) Killed() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.killed
}

// Result returns the last result, or a result with ErrRunNotStarted if no
// process has been started yet. Output buffers must not be read while a
// process is running.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
