// Package coordinator implements the calls the agent makes to the
// coordinator. Every call uses its own short lived connection.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/wire"
)

type Client struct {
	addr    string
	timeout time.Duration
}

// New returns a client of the coordinator listening on host:port.
// A zero timeout means wire.DefaultTimeout.
func New(host string, port int, timeout time.Duration) *Client {
	return &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
	}
}

// ForTask returns a client of the coordinator which owns qt.
func ForTask(qt model.QueuedTask, timeout time.Duration) *Client {
	return New(qt.ServerHost, qt.ServerPort, timeout)
}

func (c *Client) Addr() string {
	return c.addr
}

// Update pushes the state of a run.
func (c *Client) Update(ctx context.Context, qt model.QueuedTask) error {
	return c.call(ctx, wire.CmdUpdate, func(conn *wire.Conn) error {
		return conn.Write(qt)
	})
}

// LogTaskOutput pushes the output captured by the main phase of a run.
func (c *Client) LogTaskOutput(ctx context.Context, qt model.QueuedTask, output string) error {
	return c.logOutput(ctx, wire.CmdLogExe, qt, output)
}

// LogTestOutput pushes the output captured by the test phase of a run.
func (c *Client) LogTestOutput(ctx context.Context, qt model.QueuedTask, output string) error {
	return c.logOutput(ctx, wire.CmdLogTest, qt, output)
}

func (c *Client) logOutput(ctx context.Context, cmd string, qt model.QueuedTask, output string) error {
	return c.call(ctx, cmd, func(conn *wire.Conn) error {
		if err := conn.Write(qt); err != nil {
			return err
		}
		return conn.WriteText(output)
	})
}

// SetExeArgs replaces the main phase arguments stored by the coordinator.
func (c *Client) SetExeArgs(ctx context.Context, qt model.QueuedTask, args string) error {
	return c.call(ctx, wire.CmdSetArgs, func(conn *wire.Conn) error {
		if err := conn.Write(qt.QueueID); err != nil {
			return err
		}
		return conn.WriteText(args)
	})
}

// GetExeArgs reads the main phase arguments stored by the coordinator.
func (c *Client) GetExeArgs(ctx context.Context, qt model.QueuedTask) (string, error) {
	var args string
	err := c.call(ctx, wire.CmdGetArgs, func(conn *wire.Conn) error {
		if err := conn.Write(qt.QueueID); err != nil {
			return err
		}
		var err error
		args, err = conn.ReadText()
		return err
	})
	if err != nil {
		return "", err
	}
	return args, nil
}

// SetTaskResources reports the resource units a run really uses.
func (c *Client) SetTaskResources(ctx context.Context, qt model.QueuedTask, used int) error {
	return c.call(ctx, wire.CmdSetTaskRes, func(conn *wire.Conn) error {
		if err := conn.Write(qt); err != nil {
			return err
		}
		return conn.Write(used)
	})
}

// call runs a single exchange: the command, its payload written or read by
// fn and the final acknowledgement.
func (c *Client) call(ctx context.Context, cmd string, fn func(*wire.Conn) error) error {
	conn, err := wire.Dial(ctx, c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("%s: dialing %s: %w", cmd, c.addr, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.DebugContext(ctx, "closing coordinator connection", "cmd", cmd, "error", err)
		}
	}()

	if err := conn.SendCommand(cmd); err != nil {
		return wrap(cmd, err)
	}
	if err := fn(conn); err != nil {
		return wrap(cmd, err)
	}
	ack, err := conn.Finish(cmd)
	if err != nil {
		return wrap(cmd, err)
	}
	slog.DebugContext(ctx, "coordinator call finished", "cmd", cmd, "ack", ack.String())
	return nil
}

func wrap(cmd string, err error) error {
	var ackErr *wire.AckError
	if errors.As(err, &ackErr) {
		return err
	}
	return fmt.Errorf("%s: %w", cmd, err)
}
