// Package listener serves the commands the coordinator sends to the agent.
// Each connection carries one command: the dispatcher reads its name,
// acknowledges it and lets the matching handler finish the exchange.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/registry"
	"github.com/sjq4/agent/internal/wire"
)

// Starter starts a run without waiting for it.
type Starter interface {
	Start(ctx context.Context, qt model.QueuedTask) error
}

// Saver stores the configuration pushed by the coordinator.
type Saver interface {
	Save(ctx context.Context, cl model.Client) error
}

// Handler drives the exchange after the command was acknowledged and
// writes the final acknowledgement. A handler returning an error has not
// written it, the dispatcher answers ERR if the connection is still usable.
type Handler func(ctx context.Context, conn *wire.Conn) error

type Dispatcher struct {
	handlers map[string]Handler
	timeout  time.Duration
}

// New returns a dispatcher of the EXE, KILL, KILLALL and UPDATE commands.
func New(starter Starter, reg *registry.Registry, saver Saver) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		timeout:  wire.DefaultTimeout,
	}
	d.Handle(wire.CmdExe, exeHandler(starter))
	d.Handle(wire.CmdKill, killHandler(reg))
	d.Handle(wire.CmdKillAll, killAllHandler(reg))
	d.Handle(wire.CmdUpdate, updateHandler(saver))
	return d
}

// Handle registers h for the command name.
func (d *Dispatcher) Handle(name string, h Handler) {
	d.handlers[name] = h
}

// WithTimeout changes the timeout of a single read or write.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Every connection is served in its own goroutine, Serve returns once all
// of them finished.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			g.Go(func() error {
				d.ServeConn(ctx, nc)
				return nil
			})
		}
	})

	return g.Wait()
}

// ServeConn serves a single command and closes the connection.
func (d *Dispatcher) ServeConn(ctx context.Context, nc net.Conn) {
	ctx = log.ContextAttrs(ctx,
		slog.String("conn", xid.New().String()),
		slog.String("remote", nc.RemoteAddr().String()),
	)
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Now())
	})
	defer stop()

	conn := wire.NewConn(nc, d.timeout)
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.DebugContext(ctx, "closing connection", "error", err)
		}
	}()

	name, err := conn.ReadCommand()
	if err != nil {
		slog.WarnContext(ctx, "reading command failed", "error", err)
		d.reject(ctx, conn, fmt.Sprintf("invalid command: %v", err))
		return
	}
	ctx = log.ContextAttrs(ctx, slog.String("cmd", name))

	h, ok := d.handlers[name]
	if !ok {
		slog.WarnContext(ctx, "unknown command")
		d.reject(ctx, conn, fmt.Sprintf("unknown command %q", name))
		return
	}
	if err := conn.WriteAck(model.AckOK()); err != nil {
		slog.WarnContext(ctx, "acknowledging command failed", "error", err)
		return
	}

	slog.DebugContext(ctx, "serving command")
	if err := h(ctx, conn); err != nil {
		slog.WarnContext(ctx, "command failed", "error", err)
		d.reject(ctx, conn, err.Error())
	}
}

func (d *Dispatcher) reject(ctx context.Context, conn *wire.Conn, reason string) {
	if !conn.Valid() {
		return
	}
	if err := conn.WriteAck(model.AckErr(reason)); err != nil {
		slog.DebugContext(ctx, "writing ERR failed", "error", err)
	}
}
