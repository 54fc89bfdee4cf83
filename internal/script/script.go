// Package script evaluates task scripts. JavaScript is evaluated by the
// embedded goja runtime, other languages by configured interpreters.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/shlex"
)

// Builtin is the extension evaluated by the embedded runtime.
const Builtin = "js"

// EnvResult names the file a script host writes the return code to. An
// exit status can't carry a negative code.
const EnvResult = "SJQ4_RESULT"

var (
	ErrInvalidExtension     = errors.New("invalid script extension")
	ErrUnsupportedExtension = errors.New("unsupported script extension")
)

// Tools are the side channel operations available to a script as the
// Tools global.
type Tools interface {
	SetExeArgs(args string) bool
	GetExeArgs() string
	SetTaskResources(used int) bool
	MapDir(path string) string
}

// Env is everything a script can see.
type Env struct {
	Script   string
	Args     []string
	Metadata map[string]string
	Tools    Tools
	// Bindings are additional globals provided by the host application.
	Bindings map[string]any
	Stdout   io.Writer
	Stderr   io.Writer
}

// Resolve returns the command line evaluating the script at path.
// Interpreters maps an extension to an interpreter command line, builtin
// is the command line of the embedded JavaScript host and is used for
// Builtin scripts unless an interpreter overrides it.
func Resolve(path string, interpreters map[string]string, builtin []string) ([]string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return nil, fmt.Errorf("%w [%s]", ErrInvalidExtension, path)
	}
	if cmdline, ok := interpreters[ext]; ok {
		argv, err := shlex.Split(cmdline)
		if err != nil {
			return nil, fmt.Errorf("parsing interpreter for %q: %w", ext, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%w %q: empty interpreter", ErrUnsupportedExtension, ext)
		}
		return append(argv, path), nil
	}
	if ext == Builtin && len(builtin) > 0 {
		return append(append([]string(nil), builtin...), path), nil
	}
	return nil, fmt.Errorf("%w %q; configure an interpreter for it", ErrUnsupportedExtension, ext)
}

// RunFile reads and evaluates the JavaScript file env.Script.
func RunFile(ctx context.Context, env Env) (int, error) {
	src, err := os.ReadFile(env.Script)
	if err != nil {
		return -1, err
	}
	return Eval(ctx, env, string(src))
}

// RunHost evaluates env.Script in a host process started by the agent and
// writes the return code to the file named by EnvResult, if set. Failed
// evaluation writes -1 as well.
func RunHost(ctx context.Context, env Env) (int, error) {
	rc, err := RunFile(ctx, env)
	if path := os.Getenv(EnvResult); path != "" {
		if werr := os.WriteFile(path, []byte(strconv.Itoa(rc)), 0o600); werr != nil {
			return rc, errors.Join(err, fmt.Errorf("writing result: %w", werr))
		}
	}
	return rc, err
}

// ReadResult reads the return code written by RunHost. It reports false
// if the host exited without writing one.
func ReadResult(path string) (int, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, false, nil
	}
	rc, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("parsing result: %w", err)
	}
	return rc, true, nil
}

// IsBuiltin reports whether argv, as returned by Resolve, runs the
// embedded JavaScript host.
func IsBuiltin(argv, builtin []string) bool {
	if len(builtin) == 0 || len(argv) <= len(builtin) {
		return false
	}
	for i, arg := range builtin {
		if argv[i] != arg {
			return false
		}
	}
	return true
}

// Eval evaluates src and converts its completion value to a return code:
// undefined or null is 0, an integer is itself, anything else is -1.
// The script body may use a top level return statement.
func Eval(ctx context.Context, env Env, src string) (int, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if err := bind(vm, env); err != nil {
		return -1, err
	}

	name := env.Script
	if name == "" {
		name = "script.js"
	}
	prog, err := goja.Compile(name, "(function() {"+src+"\n})()", false)
	if err != nil {
		return -1, err
	}
	v, err := vm.RunProgram(prog)
	if err != nil {
		return -1, err
	}
	return returnCode(v), nil
}

func bind(vm *goja.Runtime, env Env) error {
	metadata := env.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	args := env.Args
	if args == nil {
		args = []string{}
	}
	globals := map[string]any{
		"SJQ4_METADATA": metadata,
		"SJQ4_SCRIPT":   env.Script,
		"SJQ4_ARGS":     args,
		"print":         printer(vm, env.Stdout),
		"printerr":      printer(vm, env.Stderr),
	}
	if env.Tools != nil {
		globals["Tools"] = env.Tools
	}
	for name, v := range env.Bindings {
		if _, ok := globals[name]; ok {
			return fmt.Errorf("binding %s shadows a builtin global", name)
		}
		globals[name] = v
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
	}
	return nil
}

func printer(vm *goja.Runtime, w io.Writer) func(goja.FunctionCall) goja.Value {
	if w == nil {
		w = io.Discard
	}
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if _, err := io.WriteString(w, strings.Join(parts, " ")+"\n"); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
}

func returnCode(v goja.Value) int {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	switch n := v.Export().(type) {
	case int64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	return -1
}
