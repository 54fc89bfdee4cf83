package service

import "strings"

// Synthetic return codes of a run which did not exit on its own.
const (
	ExitError  = -1
	ExitKilled = -2
)

const (
	timeoutNotice    = "*** Process killed by SJQ because it ran too long! ***\n\n"
	killNotice       = "*** Process killed by SJQ on request! ***\n\n"
	notStartedNotice = "*** Process not started, killed by SJQ on request! ***\n\n"

	stdoutHeader  = "----- stdout -----\n\n"
	stderrHeader  = "----- stderr -----\n\n"
	sectionFooter = "------------------\n\n"
)

// FormatOutput merges the captured streams into one labeled block.
// Empty streams are omitted.
func FormatOutput(stdout, stderr string) string {
	var sb strings.Builder
	section(&sb, stdoutHeader, stdout)
	section(&sb, stderrHeader, stderr)
	return sb.String()
}

func section(sb *strings.Builder, header, text string) {
	if text == "" {
		return
	}
	sb.WriteString(header)
	sb.WriteString(text)
	sb.WriteString(sectionFooter)
}

// exitStatus converts the result of a process into a return code and the
// output reported to the coordinator.
func exitStatus(res Result) (int, string) {
	var out string
	if res.Stdout != nil && res.Stderr != nil {
		out = FormatOutput(res.Stdout.String(), res.Stderr.String())
	}
	switch {
	case res.TimedOut:
		return ExitKilled, timeoutNotice + out
	case res.Killed && res.State == nil:
		return ExitKilled, notStartedNotice + out
	case res.Killed:
		return ExitKilled, killNotice + out
	case res.State == nil:
		// not started at all
		msg := "process not started"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return ExitError, out + msg + "\n"
	default:
		return res.State.ExitCode(), out
	}
}
