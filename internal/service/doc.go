// Package service implements the execution side of the agent.
//
// Overview
// The Agent owns the configuration Store, the active run registry, the
// Engine and the listener dispatching coordinator commands. An EXE command
// hands a queued task to Engine.Start, which registers a Runner under the
// run id and executes the run in its own goroutine.
//
// A run has up to two phases. The test phase runs the test script with
// the agent wide test timeout and decides whether the main phase runs:
//   - rc 0 is PASS, the main phase runs with arguments read back from the
//     coordinator (a test script may rewrite them)
//   - rc 2 is SKIP, the run ends SKIPPED
//   - anything else is FAIL, the run ends RETURNED and gets requeued
//
// The main phase runs a native executable or a script: prefixed script
// with the task max time. Its return code decides COMPLETED or FAILED.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in its own process group
//   - captures stdout and stderr separately
//   - kills the whole group on timeout or on Kill
//   - once killed, refuses to start anything
//
// Data flow:
//
//   listener              Engine                  Runner{cmd}          coordinator
//       |                    |                       |                     |
//   EXE -> Start() --------->| register(run id)      |                     |
//       |                    | test phase ---------->| Run()               |
//       |                    |<------ Result --------|                     |
//       |                    | LOGTEST, GETARGS ---------------------------->|
//       |                    | main phase ---------->| Run()               |
//       |                    |<------ Result --------|                     |
//       |                    | LOGEXE, UPDATE ------------------------------>|
//       |                    | remove(run id)        |                     |
//   KILL -> registry.Kill() ------------------------>| Kill()              |
//
// Invariants:
//   - A run id is registered before any process of the run starts and
//     removed exactly once, by the run or by a kill.
//   - A killed run never starts another process.
//   - Nothing a run does can stop the agent, every failure ends up in the
//     final state of the run.
//   - A failed final UPDATE is logged at log.LevelFatal and not retried.
//
// internal/service/engine_test.go is the best source about how runs
// behave.
package service
