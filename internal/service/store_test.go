package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sjq4/agent/internal/model"
	"github.com/sjq4/agent/internal/service"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "conf", "sjqagent.yaml")

	store, err := service.OpenStore(ctx, path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, model.DefaultConfig(), store.Config())

	t.Run("reload unchanged", func(t *testing.T) {
		changed, err := store.Reload(ctx)
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("save", func(t *testing.T) {
		client := model.Client{
			Host:         "agent1",
			Port:         24000,
			MaxResources: 50,
			Schedule:     "*/5 * * * *",
			Tasks: []model.Task{
				{ID: "COMSKIP", Executable: "/usr/bin/comskip", Schedule: "* * * * *", MaxReturnCode: 1},
			},
		}
		require.NoError(t, store.Save(ctx, client))
		cfg := store.Config()
		require.Equal(t, 24000, cfg.Agent.Port)
		require.Equal(t, "/bin/sh", cfg.Agent.Interpreters["sh"])

		require.Contains(t, cfg.Tasks, "COMSKIP")
		task := cfg.Tasks["COMSKIP"].Task("COMSKIP")
		require.Equal(t, 1, task.MaxInstances)
		require.Equal(t, int64(model.DefaultMaxTime), task.MaxTime)

		reopened, err := service.OpenStore(ctx, path)
		require.NoError(t, err)
		require.Equal(t, cfg, reopened.Config())
	})

	t.Run("save invalid", func(t *testing.T) {
		err := store.Save(ctx, model.Client{Port: 24000, Schedule: "* * * * *", Tasks: []model.Task{{ID: "BAD"}}})
		require.Error(t, err)
		require.Equal(t, 24000, store.Config().Agent.Port)
	})

	t.Run("reload changed", func(t *testing.T) {
		yml := "agent:\n  port: 25000\n  map_dir:\n    /var/media: /mnt/nas\n"
		require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
		future := time.Now().Add(time.Minute)
		require.NoError(t, os.Chtimes(path, future, future))

		changed, err := store.Reload(ctx)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, 25000, store.Config().Agent.Port)
		require.Equal(t, map[string]string{"/var/media": "/mnt/nas"}, store.Config().Agent.MapDir)
	})

	t.Run("reload broken", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("agent:\n  colour: red\n"), 0o644))
		future := time.Now().Add(2 * time.Minute)
		require.NoError(t, os.Chtimes(path, future, future))

		_, err := store.Reload(ctx)
		require.Error(t, err)
		require.Equal(t, 25000, store.Config().Agent.Port)
	})
}
