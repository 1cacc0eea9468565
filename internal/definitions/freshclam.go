package definitions

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"clamgate/internal/scan"
	"clamgate/internal/storage"
)

// Refresher brings the local definitions directory up to date with the
// upstream authority. updated reports whether any file changed.
type Refresher interface {
	Refresh(ctx context.Context) (updated bool, err error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) (bool, error)

func (f RefresherFunc) Refresh(ctx context.Context) (bool, error) {
	return f(ctx)
}

// FreshclamConfig configures a FreshclamRefresher.
type FreshclamConfig struct {
	// Binary is the freshclam executable to provision into the workspace.
	// Empty means freshclam is taken from PATH.
	Binary string

	// ConfigFile is passed as --config-file when set.
	ConfigFile string

	Timeout time.Duration
}

// FreshclamRefresher runs freshclam against the workspace definitions
// directory.
type FreshclamRefresher struct {
	workspace *storage.Workspace
	config    FreshclamConfig
}

// NewFreshclamRefresher creates a FreshclamRefresher.
func NewFreshclamRefresher(ws *storage.Workspace, cfg FreshclamConfig) *FreshclamRefresher {
	return &FreshclamRefresher{workspace: ws, config: cfg}
}

const freshclamName = "freshclam"

func (r *FreshclamRefresher) args() []string {
	var args []string
	if r.config.ConfigFile != "" {
		args = append(args, "--config-file="+r.config.ConfigFile)
	}
	return append(args, "-v", "--datadir="+r.workspace.DefinitionsDir())
}

// Refresh runs freshclam. Exit code 1 means definitions were updated and 0
// that they were already current. A run killed with SIGKILL is treated as
// current. Any other result is an *scan.EngineError.
func (r *FreshclamRefresher) Refresh(ctx context.Context) (bool, error) {
	binary, err := r.workspace.ProvisionBinary(freshclamName, r.config.Binary)
	if err != nil {
		return false, &scan.EngineError{Binary: freshclamName, Err: err}
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, r.args()...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	slog.Info("Running freshclam", "datadir", r.workspace.DefinitionsDir())
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return false, &scan.EngineError{Binary: freshclamName, Err: fmt.Errorf("refresh aborted: %w", ctx.Err())}
	}

	status, err := scan.ClassifyExit(runErr)
	if err != nil {
		return false, &scan.EngineError{Binary: freshclamName, Err: err}
	}

	slog.Debug("Freshclam finished", "code", status.Code, "signaled", status.Signaled, "output", scan.OutputTail(output.String()))

	switch {
	case status.Signaled && status.Signal == syscall.SIGKILL:
		slog.Warn("Freshclam was killed, assuming definitions are current")
		return false, nil
	case status.Signaled:
		return false, &scan.EngineError{Binary: freshclamName, Signal: status.Signal, Output: scan.OutputTail(output.String())}
	case status.Code == 1:
		slog.Info("Freshclam updated virus definitions")
		return true, nil
	case status.Code == 0:
		slog.Info("Freshclam did not need to update virus definitions")
		return false, nil
	default:
		return false, &scan.EngineError{Binary: freshclamName, ExitCode: status.Code, Output: scan.OutputTail(output.String())}
	}
}
