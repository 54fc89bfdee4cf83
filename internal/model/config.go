package model

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	yamlv3 "gopkg.in/yaml.v3"

	_ "embed"
)

const (
	DefaultPort        = 23344
	DefaultSchedule    = "* * * * *"
	DefaultResources   = 100
	DefaultTestTimeout = 30    // seconds
	DefaultMaxTime     = 86400 // seconds
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the agent configuration file.
type Config struct {
	Version int                   `json:"version" yaml:"version"`
	Agent   Agent                 `json:"agent" yaml:"agent"`
	Tasks   map[string]TaskConfig `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Agent holds agent wide settings.
type Agent struct {
	Port        int    `json:"port" yaml:"port"`
	Schedule    string `json:"schedule" yaml:"schedule"`
	Resources   int    `json:"resources" yaml:"resources"`
	TestTimeout int    `json:"test_timeout" yaml:"test_timeout"` // seconds
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	// MapDir maps a directory prefix as seen by the coordinator to a local one.
	MapDir map[string]string `json:"map_dir,omitempty" yaml:"map_dir,omitempty"`
	// Interpreters maps a script extension to an interpreter command line.
	Interpreters map[string]string `json:"interpreters,omitempty" yaml:"interpreters,omitempty"`
}

// TaskConfig is a task definition as stored in the config file.
type TaskConfig struct {
	Exe          string  `json:"exe" yaml:"exe"`
	Args         string  `json:"args" yaml:"args"`
	Schedule     string  `json:"schedule" yaml:"schedule"`
	Resources    int     `json:"resources" yaml:"resources"`
	MaxProcs     int     `json:"max_procs" yaml:"max_procs"`
	MaxTime      int64   `json:"max_time" yaml:"max_time"`
	MaxTimeRatio float64 `json:"max_time_ratio" yaml:"max_time_ratio"`
	RCMin        int     `json:"rc_min" yaml:"rc_min"`
	RCMax        int     `json:"rc_max" yaml:"rc_max"`
	Test         string  `json:"test" yaml:"test"`
	TestArgs     string  `json:"test_args" yaml:"test_args"`
}

// DefaultConfig returns a configuration without any task.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Agent: Agent{
			Port:         DefaultPort,
			Schedule:     DefaultSchedule,
			Resources:    DefaultResources,
			TestTimeout:  DefaultTestTimeout,
			Interpreters: map[string]string{"sh": "/bin/sh"},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Final(),        // resolve defaults
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	out.normalize()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteConfig stores the configuration as YAML.
func WriteConfig(w io.Writer, cfg Config) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Config) normalize() {
	if len(c.Tasks) == 0 {
		return
	}
	tasks := make(map[string]TaskConfig, len(c.Tasks))
	for id, t := range c.Tasks {
		tasks[strings.ToUpper(id)] = t
	}
	c.Tasks = tasks
}

// Validate checks invariants which are not a part of the schema.
func (c Config) Validate() error {
	if c.Version != 0 {
		return fmt.Errorf("%w: %d, expected 0", ErrUnsupportedVersion, c.Version)
	}
	var errs []error
	if err := ValidateCron(c.Agent.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("agent: parsing schedule: %w", err))
	}
	for _, t := range c.TaskList() {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TaskList returns all task templates ordered by id.
func (c Config) TaskList() []Task {
	ids := make([]string, 0, len(c.Tasks))
	for id := range c.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, c.Tasks[id].Task(id))
	}
	return tasks
}

// Client builds the capacity descriptor of the agent listening on host.
func (c Config) Client(host string) Client {
	return Client{
		Host:         host,
		Port:         c.Agent.Port,
		MaxResources: c.Agent.Resources,
		Schedule:     c.Agent.Schedule,
		Tasks:        c.TaskList(),
	}
}

// Apply replaces the capacity and the task definitions with those pushed
// by the coordinator. Local settings like map_dir are kept.
func (c *Config) Apply(cl Client) {
	c.Agent.Port = cl.Port
	c.Agent.Schedule = cl.Schedule
	c.Agent.Resources = cl.MaxResources
	c.Tasks = make(map[string]TaskConfig, len(cl.Tasks))
	for _, t := range cl.Tasks {
		c.Tasks[strings.ToUpper(t.ID)] = NewTaskConfig(t)
	}
}

func (tc TaskConfig) Task(id string) Task {
	return Task{
		ID:                id,
		Executable:        tc.Exe,
		ExeArguments:      tc.Args,
		Schedule:          tc.Schedule,
		RequiredResources: tc.Resources,
		MaxInstances:      tc.MaxProcs,
		MaxTime:           tc.MaxTime,
		MaxTimeRatio:      tc.MaxTimeRatio,
		MinReturnCode:     tc.RCMin,
		MaxReturnCode:     tc.RCMax,
		Test:              tc.Test,
		TestArgs:          tc.TestArgs,
	}
}

// NewTaskConfig converts a task template pushed by the coordinator. Zero
// limits are replaced by the configuration defaults.
func NewTaskConfig(t Task) TaskConfig {
	tc := TaskConfig{
		Exe:          t.Executable,
		Args:         t.ExeArguments,
		Schedule:     t.Schedule,
		Resources:    t.RequiredResources,
		MaxProcs:     t.MaxInstances,
		MaxTime:      t.MaxTime,
		MaxTimeRatio: t.MaxTimeRatio,
		RCMin:        t.MinReturnCode,
		RCMax:        t.MaxReturnCode,
		Test:         t.Test,
		TestArgs:     t.TestArgs,
	}
	if tc.MaxProcs < 1 {
		tc.MaxProcs = 1
	}
	if tc.MaxTime <= 0 {
		tc.MaxTime = DefaultMaxTime
	}
	if tc.MaxTimeRatio <= 0 {
		tc.MaxTimeRatio = 1.0
	}
	return tc
}
