package scan

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// EngineError reports that an external engine (clamscan, freshclam) could
// not be started, exited with an unexpected code, was killed by a signal or
// ran past its deadline.
type EngineError struct {
	Binary   string
	ExitCode int
	Signal   syscall.Signal
	Output   string
	Err      error
}

func (e *EngineError) Error() string {
	var msg string
	switch {
	case e.Err != nil:
		msg = fmt.Sprintf("%s: %v", e.Binary, e.Err)
	case e.Signal != 0:
		msg = fmt.Sprintf("%s terminated by signal %v", e.Binary, e.Signal)
	default:
		msg = fmt.Sprintf("%s exited with code %d", e.Binary, e.ExitCode)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ExitStatus describes how an engine process terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// ClassifyExit inspects the error returned by (*exec.Cmd).Wait. A nil error
// is exit code zero. Errors that are not an *exec.ExitError mean the process
// never ran to completion and are returned unchanged.
func ClassifyExit(err error) (ExitStatus, error) {
	if err == nil {
		return ExitStatus{}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{}, err
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: status.Signal()}, nil
	}
	return ExitStatus{Code: exitErr.ExitCode()}, nil
}

const maxOutputTail = 512

// OutputTail trims engine output to its last few hundred bytes for use in
// error messages.
func OutputTail(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > maxOutputTail {
		out = "..." + out[len(out)-maxOutputTail:]
	}
	return out
}
