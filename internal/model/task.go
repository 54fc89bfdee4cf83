package model

import (
	"fmt"
	"strings"
	"time"
)

// ScriptPrefix marks an executable path which must be run by the script host.
const ScriptPrefix = "script:"

// State is a state of a QueuedTask as seen by the coordinator.
type State string

const (
	StateWaiting   State = "WAITING"
	StateRunning   State = "RUNNING"
	StateSkipped   State = "SKIPPED"
	StateReturned  State = "RETURNED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Task is a task template defined by the agent configuration.
type Task struct {
	ID                string  `json:"id" yaml:"id"`
	Executable        string  `json:"executable" yaml:"exe"`
	ExeArguments      string  `json:"exeArguments,omitempty" yaml:"args"`
	Schedule          string  `json:"schedule" yaml:"schedule"`
	RequiredResources int     `json:"requiredResources" yaml:"resources"`
	MaxInstances      int     `json:"maxInstances" yaml:"max_procs"`
	MaxTime           int64   `json:"maxTime" yaml:"max_time"`
	MaxTimeRatio      float64 `json:"maxTimeRatio" yaml:"max_time_ratio"`
	MinReturnCode     int     `json:"minReturnCode" yaml:"rc_min"`
	MaxReturnCode     int     `json:"maxReturnCode" yaml:"rc_max"`
	Test              string  `json:"test,omitempty" yaml:"test"`
	TestArgs          string  `json:"testArgs,omitempty" yaml:"test_args"`
}

// Validate checks invariants the configuration schema can't express.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.ID != strings.ToUpper(t.ID) {
		return fmt.Errorf("task %s: id must be uppercase", t.ID)
	}
	if t.Executable == "" {
		return fmt.Errorf("task %s: exe is empty", t.ID)
	}
	if t.MinReturnCode > t.MaxReturnCode {
		return fmt.Errorf("task %s: rc_min %d is greater than rc_max %d", t.ID, t.MinReturnCode, t.MaxReturnCode)
	}
	if t.Schedule != "" {
		if err := ValidateCron(t.Schedule); err != nil {
			return fmt.Errorf("task %s: parsing schedule: %w", t.ID, err)
		}
	}
	return nil
}

// QueuedTask is a single run of a Task, created by the coordinator.
// It is identified by ServerHost, ServerPort and QueueID.
type QueuedTask struct {
	QueueID    int64  `json:"queueId"`
	TaskID     string `json:"taskId"`
	ServerHost string `json:"serverHost"`
	ServerPort int    `json:"serverPort"`
	RMIPort    int    `json:"rmiPort"`

	Metadata map[string]string `json:"metadata,omitempty"`
	State    State             `json:"state"`

	Created   time.Time `json:"created"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`

	Executable        string  `json:"executable"`
	ExeArguments      string  `json:"exeArguments,omitempty"`
	Test              string  `json:"test,omitempty"`
	TestArgs          string  `json:"testArgs,omitempty"`
	RequiredResources int     `json:"requiredResources"`
	MinReturnCode     int     `json:"minReturnCode"`
	MaxReturnCode     int     `json:"maxReturnCode"`
	MaxTime           int64   `json:"maxTime"` // seconds
	MaxTimeRatio      float64 `json:"maxTimeRatio"`
}

// RunID returns the identifier of this run, unique across coordinators.
func (qt QueuedTask) RunID() RunID {
	return NewRunID(qt.ServerHost, qt.ServerPort, qt.QueueID)
}

// Accepts reports whether rc is within the accepted return code range.
func (qt QueuedTask) Accepts(rc int) bool {
	return rc >= qt.MinReturnCode && rc <= qt.MaxReturnCode
}

// MaxDuration is MaxTime as a time.Duration.
func (qt QueuedTask) MaxDuration() time.Duration {
	return time.Duration(qt.MaxTime) * time.Second
}

func (qt QueuedTask) String() string {
	return fmt.Sprintf("%s[%d]@%s:%d", qt.TaskID, qt.QueueID, qt.ServerHost, qt.ServerPort)
}

// RunID identifies an active run, it's derived from (serverHost, serverPort, queueId).
type RunID string

func NewRunID(host string, port int, queueID int64) RunID {
	return RunID(fmt.Sprintf("SJQ4Task-%s-%d-%d", host, port, queueID))
}

func (id RunID) String() string {
	return string(id)
}

// IsScript reports whether the executable must be evaluated by the script host.
func IsScript(exe string) bool {
	return len(exe) >= len(ScriptPrefix) && strings.EqualFold(exe[:len(ScriptPrefix)], ScriptPrefix)
}

// TrimScript removes the script prefix, if present.
func TrimScript(exe string) string {
	if IsScript(exe) {
		return exe[len(ScriptPrefix):]
	}
	return exe
}
