package listener

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/registry"
	"github.com/sjq4/agent/internal/wire"
)

const killFailed = "Unable to kill specified task!"

// exeHandler acknowledges the run before it starts, so the coordinator
// never waits for the execution.
func exeHandler(starter Starter) Handler {
	return func(ctx context.Context, conn *wire.Conn) error {
		var qt model.QueuedTask
		if err := conn.Read(&qt); err != nil {
			return fmt.Errorf("reading queued task: %w", err)
		}
		ctx = log.ContextAttrs(ctx, slog.String("run", qt.RunID().String()))
		if err := conn.WriteAck(model.AckOKf("%s", model.StateRunning)); err != nil {
			slog.ErrorContext(ctx, "acknowledging run failed: not started", "error", err)
			return nil
		}
		if err := starter.Start(ctx, qt); err != nil {
			slog.WarnContext(ctx, "run dropped", "error", err)
			return nil
		}
		slog.InfoContext(ctx, "run started", "task", qt.TaskID)
		return nil
	}
}

func killHandler(reg *registry.Registry) Handler {
	return func(ctx context.Context, conn *wire.Conn) error {
		var qt model.QueuedTask
		if err := conn.Read(&qt); err != nil {
			return fmt.Errorf("reading queued task: %w", err)
		}
		id := qt.RunID()
		ack := model.AckOK()
		if err := reg.Kill(id); err != nil {
			slog.WarnContext(ctx, "kill failed", "run", id.String(), "error", err)
			ack = model.AckErr(killFailed)
		} else {
			slog.InfoContext(ctx, "run killed", "run", id.String())
		}
		return writeFinal(ctx, conn, ack)
	}
}

func killAllHandler(reg *registry.Registry) Handler {
	return func(ctx context.Context, conn *wire.Conn) error {
		n, err := reg.KillAll()
		if err != nil {
			slog.WarnContext(ctx, "killing runs failed", "error", err)
		}
		slog.InfoContext(ctx, "all runs killed", "count", n)
		return writeFinal(ctx, conn, model.AckOK())
	}
}

func updateHandler(saver Saver) Handler {
	return func(ctx context.Context, conn *wire.Conn) error {
		var cl model.Client
		if err := conn.Read(&cl); err != nil {
			return fmt.Errorf("reading client: %w", err)
		}
		if err := saver.Save(ctx, cl); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}
		return writeFinal(ctx, conn, model.AckOK())
	}
}

// writeFinal writes the final acknowledgement. A failure is only logged,
// the connection is unusable anyway.
func writeFinal(ctx context.Context, conn *wire.Conn, ack model.NetworkAck) error {
	if err := conn.WriteAck(ack); err != nil {
		slog.WarnContext(ctx, "writing final ack failed", "ack", ack.String(), "error", err)
	}
	return nil
}
