// Package scan runs the clamscan engine against downloaded objects and
// classifies its result.
package scan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"clamgate/internal/metrics"
	"clamgate/internal/storage"
)

// UnknownVirus is reported when the engine flags a file without naming the
// threat.
const UnknownVirus = "Unknown"

// Outcome is the verdict of a completed scan.
type Outcome struct {
	Infected  bool
	VirusName string
}

// Clean is the outcome of a scan that found nothing.
var Clean = Outcome{}

// Infected returns the outcome for a file flagged with the given threat.
func Infected(name string) Outcome {
	if name == "" {
		name = UnknownVirus
	}
	return Outcome{Infected: true, VirusName: name}
}

func (o Outcome) String() string {
	if o.Infected {
		return "infected(" + o.VirusName + ")"
	}
	return "clean"
}

// Scanner decides whether the file at path is infected. Implementations
// remove the file once they are done with it, whatever the result.
type Scanner interface {
	Scan(ctx context.Context, path string) (Outcome, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, path string) (Outcome, error)

func (f ScannerFunc) Scan(ctx context.Context, path string) (Outcome, error) {
	return f(ctx, path)
}

// ClamScannerConfig configures a ClamScanner.
type ClamScannerConfig struct {
	// Binary is the clamscan executable to provision into the workspace.
	// Empty means clamscan is taken from PATH.
	Binary string

	// MaxFileSize and MaxScanSize are passed to the engine when positive.
	MaxFileSize int64
	MaxScanSize int64

	// Timeout bounds a single engine run. Zero means no limit beyond the
	// caller's context.
	Timeout time.Duration
}

// ClamScanner runs clamscan as a subprocess.
type ClamScanner struct {
	workspace *storage.Workspace
	config    ClamScannerConfig
	metrics   *metrics.Collector
}

// NewClamScanner creates a ClamScanner that reads definitions from, and
// provisions its binary into, the given workspace.
func NewClamScanner(ws *storage.Workspace, cfg ClamScannerConfig, m *metrics.Collector) *ClamScanner {
	return &ClamScanner{
		workspace: ws,
		config:    cfg,
		metrics:   m,
	}
}

const clamscanName = "clamscan"

// foundPattern matches the report line clamscan prints for a detection.
var foundPattern = regexp.MustCompile(`^(.+): (.+) FOUND$`)

func (s *ClamScanner) args(path string) []string {
	args := []string{
		"-v",
		"-a",
		"--stdout",
		"--tempdir=" + s.workspace.TempDir(),
	}
	if s.config.MaxFileSize > 0 {
		args = append(args, "--max-filesize="+strconv.FormatInt(s.config.MaxFileSize, 10))
	}
	if s.config.MaxScanSize > 0 {
		args = append(args, "--max-scansize="+strconv.FormatInt(s.config.MaxScanSize, 10))
	}
	return append(args, "-d", s.workspace.DefinitionsDir(), path)
}

// Scan runs the engine on path. Exit code 0 is clean and 1 is infected; any
// other termination is an *EngineError. The file is removed before Scan
// returns.
func (s *ClamScanner) Scan(ctx context.Context, path string) (Outcome, error) {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove scanned file", "path", path, "err", err)
		}
	}()

	binary, err := s.workspace.ProvisionBinary(clamscanName, s.config.Binary)
	if err != nil {
		return Outcome{}, &EngineError{Binary: clamscanName, Err: err}
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, s.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	slog.Debug("Running scan", "binary", binary, "path", path)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		s.metrics.RecordScan("error", elapsed)
		return Outcome{}, &EngineError{Binary: clamscanName, Err: fmt.Errorf("scan aborted after %s: %w", elapsed.Round(time.Millisecond), ctx.Err())}
	}

	status, err := ClassifyExit(runErr)
	if err != nil {
		s.metrics.RecordScan("error", elapsed)
		return Outcome{}, &EngineError{Binary: clamscanName, Err: err}
	}

	switch {
	case status.Signaled:
		s.metrics.RecordScan("error", elapsed)
		return Outcome{}, &EngineError{Binary: clamscanName, Signal: status.Signal, Output: OutputTail(stderr.String())}
	case status.Code == 0:
		s.metrics.RecordScan("clean", elapsed)
		return Clean, nil
	case status.Code == 1:
		s.metrics.RecordScan("infected", elapsed)
		outcome := Infected(ParseVirusName(stdout.String()))
		slog.Info("Scan found threat", "path", path, "virus", outcome.VirusName)
		return outcome, nil
	default:
		s.metrics.RecordScan("error", elapsed)
		return Outcome{}, &EngineError{Binary: clamscanName, ExitCode: status.Code, Output: OutputTail(stderr.String())}
	}
}

// ParseVirusName returns the threat named by the last detection line in the
// engine's output, or the empty string when there is none.
func ParseVirusName(output string) string {
	var name string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if m := foundPattern.FindStringSubmatch(line); m != nil {
			name = m[2]
		}
	}
	return name
}
