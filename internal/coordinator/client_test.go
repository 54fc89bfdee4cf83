package coordinator_test

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjq4/agent/internal/coordinator"
	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCoordinator serves the outbound commands of the agent and records
// what it received.
type fakeCoordinator struct {
	ln     net.Listener
	wg     sync.WaitGroup
	reject string // command answered with ERR

	mx      sync.Mutex
	updates []model.QueuedTask
	logs    map[string]string
	args    map[int64]string
	res     map[int64]int
}

func newFake(t *testing.T, reject string) (*fakeCoordinator, *coordinator.Client) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeCoordinator{
		ln:     ln,
		reject: reject,
		logs:   make(map[string]string),
		args:   make(map[int64]string),
		res:    make(map[int64]int),
	}
	f.wg.Go(f.serve)
	t.Cleanup(func() {
		_ = ln.Close()
		f.wg.Wait()
	})
	addr := ln.Addr().(*net.TCPAddr)
	return f, coordinator.New("127.0.0.1", addr.Port, time.Second)
}

func (f *fakeCoordinator) serve() {
	for {
		nc, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Go(func() {
			conn := wire.NewConn(nc, time.Second)
			defer func() { _ = conn.Close() }()
			f.handle(conn)
		})
	}
}

func (f *fakeCoordinator) handle(conn *wire.Conn) {
	cmd, err := conn.ReadCommand()
	if err != nil {
		return
	}
	if cmd == f.reject {
		_ = conn.WriteAck(model.AckErrf("%s command rejected by server!", cmd))
		return
	}
	if err := conn.WriteAck(model.AckOK()); err != nil {
		return
	}

	f.mx.Lock()
	defer f.mx.Unlock()
	switch cmd {
	case wire.CmdUpdate:
		var qt model.QueuedTask
		if conn.Read(&qt) != nil {
			return
		}
		f.updates = append(f.updates, qt)
	case wire.CmdLogExe, wire.CmdLogTest:
		var qt model.QueuedTask
		if conn.Read(&qt) != nil {
			return
		}
		text, err := conn.ReadText()
		if err != nil {
			return
		}
		f.logs[cmd] = text
	case wire.CmdSetArgs:
		var id int64
		if conn.Read(&id) != nil {
			return
		}
		text, err := conn.ReadText()
		if err != nil {
			return
		}
		f.args[id] = text
	case wire.CmdGetArgs:
		var id int64
		if conn.Read(&id) != nil {
			return
		}
		if conn.WriteText(f.args[id]) != nil {
			return
		}
	case wire.CmdSetTaskRes:
		var qt model.QueuedTask
		var used int
		if conn.Read(&qt) != nil || conn.Read(&used) != nil {
			return
		}
		f.res[qt.QueueID] = used
	}
	_ = conn.WriteAck(model.AckOK())
}

func TestClient(t *testing.T) {
	t.Parallel()
	f, client := newFake(t, "")
	ctx := t.Context()
	qt := model.QueuedTask{
		QueueID:    42,
		TaskID:     "ENCODE",
		ServerHost: "127.0.0.1",
		State:      model.StateCompleted,
	}

	t.Run("update", func(t *testing.T) {
		require.NoError(t, client.Update(ctx, qt))
		f.mx.Lock()
		defer f.mx.Unlock()
		require.Len(t, f.updates, 1)
		require.Equal(t, model.StateCompleted, f.updates[0].State)
		require.Equal(t, "ENCODE", f.updates[0].TaskID)
	})

	t.Run("log output", func(t *testing.T) {
		exe := strings.Repeat("x", 2*wire.ChunkSize+1)
		require.NoError(t, client.LogTaskOutput(ctx, qt, exe))
		require.NoError(t, client.LogTestOutput(ctx, qt, "test passed\n"))
		f.mx.Lock()
		defer f.mx.Unlock()
		require.Equal(t, exe, f.logs[wire.CmdLogExe])
		require.Equal(t, "test passed\n", f.logs[wire.CmdLogTest])
	})

	t.Run("exe args", func(t *testing.T) {
		require.NoError(t, client.SetExeArgs(ctx, qt, `-i "/tmp/in file.ts"`))
		args, err := client.GetExeArgs(ctx, qt)
		require.NoError(t, err)
		require.Equal(t, `-i "/tmp/in file.ts"`, args)

		args, err = client.GetExeArgs(ctx, model.QueuedTask{QueueID: 1})
		require.NoError(t, err)
		require.Empty(t, args)
	})

	t.Run("task resources", func(t *testing.T) {
		require.NoError(t, client.SetTaskResources(ctx, qt, 25))
		f.mx.Lock()
		defer f.mx.Unlock()
		require.Equal(t, 25, f.res[42])
	})
}

func TestClientRejected(t *testing.T) {
	t.Parallel()
	_, client := newFake(t, wire.CmdUpdate)

	err := client.Update(t.Context(), model.QueuedTask{QueueID: 1})
	require.ErrorIs(t, err, wire.ErrRejected)
	require.ErrorContains(t, err, "UPDATE command rejected by server!")
}

func TestClientUnreachable(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := coordinator.New("127.0.0.1", port, time.Second)
	err = client.Update(t.Context(), model.QueuedTask{QueueID: 1})
	require.Error(t, err)
	require.ErrorContains(t, err, wire.CmdUpdate)

	_, err = client.GetExeArgs(t.Context(), model.QueuedTask{QueueID: 1})
	require.Error(t, err)
}
