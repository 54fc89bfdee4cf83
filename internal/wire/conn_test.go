package wire_test

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/wire"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca := wire.NewConn(a, time.Second)
	cb := wire.NewConn(b, time.Second)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestExchange(t *testing.T) {
	t.Parallel()
	client, server := pipe(t)
	long := strings.Repeat("0123456789", 3*wire.ChunkSize/10+5)

	var wg sync.WaitGroup
	wg.Go(func() {
		name, err := server.ReadCommand()
		require.NoError(t, err)
		require.Equal(t, wire.CmdLogExe, name)
		require.NoError(t, server.WriteAck(model.AckOK()))

		var qt model.QueuedTask
		require.NoError(t, server.Read(&qt))
		require.Equal(t, int64(7), qt.QueueID)
		text, err := server.ReadText()
		require.NoError(t, err)
		require.Equal(t, long, text)
		require.NoError(t, server.WriteAck(model.AckOK()))
	})

	require.NoError(t, client.SendCommand(wire.CmdLogExe))
	require.NoError(t, client.Write(model.QueuedTask{QueueID: 7}))
	require.NoError(t, client.WriteText(long))
	_, err := client.Finish(wire.CmdLogExe)
	require.NoError(t, err)
	wg.Wait()
}

func TestRejected(t *testing.T) {
	t.Parallel()
	client, server := pipe(t)

	var wg sync.WaitGroup
	wg.Go(func() {
		_, err := server.ReadCommand()
		require.NoError(t, err)
		require.NoError(t, server.WriteAck(model.AckErr("unknown command")))
	})

	err := client.SendCommand("BOGUS")
	require.Error(t, err)
	require.ErrorIs(t, err, wire.ErrRejected)
	var ackErr *wire.AckError
	require.True(t, errors.As(err, &ackErr))
	require.Equal(t, "unknown command", ackErr.Reason)
	require.True(t, client.Valid())
	wg.Wait()
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	client := wire.NewConn(a, 50*time.Millisecond)
	require.NoError(t, b.Close())

	err := client.Write("EXE")
	require.Error(t, err)
	require.False(t, client.Valid())

	err = client.Write("EXE")
	require.ErrorIs(t, err, wire.ErrInvalidConn)
	_, err = client.ReadAck()
	require.ErrorIs(t, err, wire.ErrInvalidConn)
	_ = client.Close()
}

func TestTypeMismatch(t *testing.T) {
	t.Parallel()
	client, server := pipe(t)

	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, client.Write("not a task"))
		require.NoError(t, client.Write(model.QueuedTask{QueueID: 9}))
	})

	var qt model.QueuedTask
	err := server.Read(&qt)
	require.Error(t, err)
	require.True(t, server.Valid())
	require.NoError(t, server.Read(&qt))
	require.Equal(t, int64(9), qt.QueueID)
	wg.Wait()
}

func TestSyntaxError(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	server := wire.NewConn(b, time.Second)
	t.Cleanup(func() {
		_ = a.Close()
		_ = server.Close()
	})

	var wg sync.WaitGroup
	var reply string
	wg.Go(func() {
		_, err := a.Write([]byte("EXE\n"))
		require.NoError(t, err)
		reply, err = bufio.NewReader(a).ReadString('\n')
		require.NoError(t, err)
	})

	_, err := server.ReadCommand()
	require.Error(t, err)
	// nothing more can be read, the peer can still be answered
	require.True(t, server.Valid())
	_, err = server.ReadCommand()
	require.ErrorIs(t, err, wire.ErrInvalidConn)
	require.NoError(t, server.WriteAck(model.AckErr("invalid command")))
	wg.Wait()
	require.Equal(t, "\"ERR:invalid command\"\n", reply)
}
