package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/sjq4/agent/internal/model"
)

// Environment variables describing a run to its processes.
const (
	EnvHost     = "SJQ4_HOST"
	EnvPort     = "SJQ4_PORT"
	EnvQueueID  = "SJQ4_QUEUE_ID"
	EnvTaskID   = "SJQ4_TASK_ID"
	EnvMetadata = "SJQ4_METADATA"
	EnvMapDir   = "SJQ4_MAPDIR"
)

// SideChannel is the part of the coordinator a running task talks to.
type SideChannel interface {
	SetExeArgs(ctx context.Context, qt model.QueuedTask, args string) error
	GetExeArgs(ctx context.Context, qt model.QueuedTask) (string, error)
	SetTaskResources(ctx context.Context, qt model.QueuedTask, used int) error
}

// Tools are the operations a task script can call. A failed side channel
// call is logged and reported as false, the script decides what to do.
type Tools struct {
	ctx    context.Context
	qt     model.QueuedTask
	sc     SideChannel
	mapDir map[string]string
}

func NewTools(ctx context.Context, qt model.QueuedTask, sc SideChannel, mapDir map[string]string) *Tools {
	return &Tools{ctx: ctx, qt: qt, sc: sc, mapDir: mapDir}
}

// SetExeArgs replaces the arguments of the main phase. It's only useful
// from a test script.
func (t *Tools) SetExeArgs(args string) bool {
	if err := t.sc.SetExeArgs(t.ctx, t.qt, args); err != nil {
		slog.ErrorContext(t.ctx, "setting exe args failed", "task", t.qt.String(), "error", err)
		return false
	}
	return true
}

// GetExeArgs returns the main phase arguments known to the coordinator, or
// the arguments the run started with if the coordinator can't be reached.
func (t *Tools) GetExeArgs() string {
	args, err := t.sc.GetExeArgs(t.ctx, t.qt)
	if err != nil {
		slog.ErrorContext(t.ctx, "getting exe args failed", "task", t.qt.String(), "error", err)
		return t.qt.ExeArguments
	}
	return args
}

func (t *Tools) SetTaskResources(used int) bool {
	if err := t.sc.SetTaskResources(t.ctx, t.qt, used); err != nil {
		slog.ErrorContext(t.ctx, "setting task resources failed", "task", t.qt.String(), "error", err)
		return false
	}
	return true
}

func (t *Tools) MapDir(path string) string {
	return MapDir(t.mapDir, path)
}

// MapDir replaces the directory prefix of path by its mapping. The longest
// matching prefix wins, matching is case insensitive on Windows. Paths
// without a matching prefix are returned unchanged.
func MapDir(mapping map[string]string, path string) string {
	dirs := make([]string, 0, len(mapping))
	for dir := range mapping {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if len(dirs[i]) != len(dirs[j]) {
			return len(dirs[i]) > len(dirs[j])
		}
		return dirs[i] < dirs[j]
	})

	for _, dir := range dirs {
		prefix := strings.TrimRight(dir, `/\`)
		if prefix == "" || len(path) <= len(prefix) {
			continue
		}
		if !hasPrefix(path, prefix) || !isSeparator(path[len(prefix)]) {
			continue
		}
		to := strings.TrimRight(mapping[dir], `/\`)
		return to + path[len(prefix):]
	}
	return path
}

func hasPrefix(s, prefix string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(s[:len(prefix)], prefix)
	}
	return strings.HasPrefix(s, prefix)
}

func isSeparator(c byte) bool {
	return c == '/' || (runtime.GOOS == "windows" && c == '\\')
}

// TaskEnv returns the environment of a process run for qt: base,
// then the metadata, then the SJQ4_* variables.
func TaskEnv(base []string, qt model.QueuedTask, mapDir map[string]string) []string {
	env := make([]string, 0, len(base)+len(qt.Metadata)+6)
	env = append(env, base...)

	keys := make([]string, 0, len(qt.Metadata))
	for k := range qt.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+qt.Metadata[k])
	}

	metadata, _ := json.Marshal(qt.Metadata)
	dirs, _ := json.Marshal(mapDir)
	env = append(env,
		EnvHost+"="+qt.ServerHost,
		EnvPort+"="+strconv.Itoa(qt.ServerPort),
		EnvQueueID+"="+strconv.FormatInt(qt.QueueID, 10),
		EnvTaskID+"="+qt.TaskID,
		EnvMetadata+"="+string(metadata),
		EnvMapDir+"="+string(dirs),
	)
	return env
}

// TaskFromEnv is the inverse of TaskEnv, used by processes of a run to
// reach the coordinator. The lookup function is usually os.LookupEnv.
func TaskFromEnv(lookup func(string) (string, bool)) (model.QueuedTask, map[string]string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var qt model.QueuedTask
	var errs []error
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			errs = append(errs, fmt.Errorf("%s is not set", key))
		}
		return v
	}

	qt.ServerHost = get(EnvHost)
	qt.TaskID = get(EnvTaskID)
	if port := get(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", EnvPort, err))
		}
		qt.ServerPort = n
	}
	if id := get(EnvQueueID); id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", EnvQueueID, err))
		}
		qt.QueueID = n
	}
	if v, ok := lookup(EnvMetadata); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &qt.Metadata); err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", EnvMetadata, err))
		}
	}
	var mapDir map[string]string
	if v, ok := lookup(EnvMapDir); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &mapDir); err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", EnvMapDir, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return model.QueuedTask{}, nil, err
	}
	return qt, mapDir, nil
}
