package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/registry"
	"github.com/sjq4/agent/internal/script"
	"github.com/sjq4/agent/internal/service"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary serve as the JavaScript host of the engine,
// the way sjqagent _script does.
func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == "_script" {
		rc, err := script.RunHost(context.Background(), script.Env{
			Script: os.Args[2],
			Args:   os.Args[3:],
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(rc & 0xff)
	}
	os.Exit(m.Run())
}

func newScriptEngine(t *testing.T) (*service.Engine, *fakeCoordinator) {
	t.Helper()
	host, err := os.Executable()
	require.NoError(t, err)
	cfg := model.DefaultConfig()
	cfg.Agent.TestTimeout = 10
	coord := newFakeCoordinator()
	engine := service.NewEngine(registry.New(), staticConfig(cfg), []string{host, "_script"}).
		WithCoordinator(func(model.QueuedTask) service.Coordinator { return coord })
	return engine, coord
}

func TestEngineBuiltinScript(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		src      string
		state    model.State
		output   string
	}{
		{"no return", `print("done");`, model.StateCompleted, "done"},
		{"in range", `return 200;`, model.StateCompleted, ""},
		{"exception", `throw new Error("boom");`, model.StateFailed, "boom"},
		{"not an integer", `return "x";`, model.StateFailed, ""},
		{"negative", `return -1;`, model.StateFailed, ""},
		{"arguments", `return SJQ4_ARGS[0] === "in.ts" ? 0 : 300;`, model.StateCompleted, ""},
	}

	for i, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			engine, coord := newScriptEngine(t)
			path := filepath.Join(t.TempDir(), "encode.js")
			require.NoError(t, os.WriteFile(path, []byte(tc.src), 0o644))

			qt := queuedTask(int64(900 + i))
			qt.Executable = "script:" + path
			qt.ExeArguments = "in.ts"
			qt.MaxReturnCode = 255

			state, _ := engine.Run(t.Context(), qt)
			require.Equal(t, tc.state, state)
			require.Equal(t, tc.state, coord.lastUpdate(t).State)
			if tc.output != "" {
				require.Len(t, coord.taskOut, 1)
				require.Contains(t, coord.taskOut[0], tc.output)
			}
		})
	}
}

func TestEngineBuiltinTest(t *testing.T) {
	t.Parallel()
	engine, coord := newScriptEngine(t)
	dir := t.TempDir()
	test := filepath.Join(dir, "test.js")
	require.NoError(t, os.WriteFile(test, []byte(`return 2;`), 0o644))

	qt := queuedTask(950)
	qt.Executable = writeScript(t, dir, "never", "echo never")
	qt.Test = test

	state, _ := engine.Run(t.Context(), qt)
	require.Equal(t, model.StateSkipped, state)
	require.Empty(t, coord.taskOut)
}
