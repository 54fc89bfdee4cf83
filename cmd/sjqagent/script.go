package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sjq4/agent/internal/coordinator"
	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/script"
	"github.com/sjq4/agent/internal/service"
)

// scriptCmd evaluates a JavaScript task script. The agent runs it as a
// child process for every script: task with a .js extension and reads the
// return code from the file named by SJQ4_RESULT, the exit status only
// approximates it.
var scriptCmd = &cobra.Command{
	Use:    "_script <path> [args...]",
	Short:  "evaluates a task script. Not intended to be called directly",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE:   doScript,
	// script arguments are not flags of sjqagent
	DisableFlagParsing: true,
}

func doScript(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group("sjqagent",
		slog.String("cmd", "_script"),
		slog.String("script", args[0]),
	))

	env := script.Env{
		Script:   args[0],
		Args:     args[1:],
		Bindings: map[string]any{"Host": host{}},
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
	}

	qt, mapDir, err := service.TaskFromEnv(os.LookupEnv)
	if err != nil {
		slog.WarnContext(ctx, "script runs outside of a task, Tools are not available", "error", err)
	} else {
		env.Metadata = qt.Metadata
		env.Tools = service.NewTools(ctx, qt, coordinator.ForTask(qt, 0), mapDir)
	}

	rc, err := script.RunHost(ctx, env)
	if err != nil {
		return err
	}
	if rc != 0 {
		return exitCode(rc)
	}
	return nil
}

// host is the Host global of task scripts.
type host struct{}

func (host) Hostname() string {
	name, _ := os.Hostname()
	return name
}

func (host) Getenv(key string) string {
	return os.Getenv(key)
}

func (host) Pid() int {
	return os.Getpid()
}
