package service_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/service"
	"github.com/sjq4/agent/internal/wire"

	"github.com/stretchr/testify/require"
)

func startAgent(t *testing.T, ctx context.Context) (*service.Agent, string, *fakeCoordinator, func() error) {
	t.Helper()
	settings := service.Settings{
		Config:     filepath.Join(t.TempDir(), "sjqagent.yaml"),
		ReloadEach: 50 * time.Millisecond,
	}
	agent, err := service.NewAgent(ctx, settings)
	require.NoError(t, err)
	coord := newFakeCoordinator()
	agent.WithCoordinator(func(model.QueuedTask) service.Coordinator { return coord })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var serveErr error
	wg.Go(func() {
		serveErr = agent.Serve(ctx, ln)
	})
	wait := func() error {
		wg.Wait()
		return serveErr
	}
	return agent, ln.Addr().String(), coord, wait
}

func exe(t *testing.T, addr string, qt model.QueuedTask) {
	t.Helper()
	conn, err := wire.Dial(t.Context(), addr, time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SendCommand(wire.CmdExe))
	require.NoError(t, conn.Write(qt))
	ack, err := conn.Finish(wire.CmdExe)
	require.NoError(t, err)
	require.Equal(t, "OK:RUNNING", ack.String())
}

func (f *fakeCoordinator) updateCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.updates)
}

func TestAgent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, addr, coord, wait := startAgent(t, ctx)

	qt := queuedTask(1)
	qt.Executable = writeScript(t, dir, "ok", "echo done")
	exe(t, addr, qt)

	require.Eventually(t, func() bool { return coord.updateCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, model.StateCompleted, coord.lastUpdate(t).State)

	cancel()
	require.NoError(t, wait())
}

func TestAgentShutdown(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	_, addr, coord, wait := startAgent(t, ctx)

	qt := queuedTask(2)
	qt.Executable = writeScript(t, dir, "slow", "sleep 30")
	qt.MaxTime = 60
	exe(t, addr, qt)

	start := time.Now()
	cancel()
	require.NoError(t, wait())
	require.Less(t, time.Since(start), 10*time.Second)

	// the run reported before Serve returned
	require.Equal(t, 1, coord.updateCount())
	require.Equal(t, model.StateFailed, coord.lastUpdate(t).State)
}

func TestAgentReload(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	agent, _, _, wait := startAgent(t, ctx)
	path := agent.Store().Path()

	yml := "agent:\n  resources: 42\ntasks:\n  comskip:\n    exe: /usr/bin/comskip\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return agent.Store().Config().Agent.Resources == 42
	}, 5*time.Second, 20*time.Millisecond)
	require.Contains(t, agent.Store().Config().Tasks, "COMSKIP")

	cancel()
	require.NoError(t, wait())
}
