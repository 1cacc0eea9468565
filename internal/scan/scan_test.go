package scan_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"clamgate/internal/scan"
	"clamgate/internal/storage"

	"github.com/stretchr/testify/require"
)

// The engine is replaced by small shell scripts. These tests fork processes
// so they do not run in parallel with each other.

func newScanner(t *testing.T, script string, cfg scan.ClamScannerConfig) (*scan.ClamScanner, *storage.Workspace) {
	t.Helper()

	dir := t.TempDir()
	src := filepath.Join(dir, "fake-clamscan")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"+script), 0o755))

	ws, err := storage.NewWorkspace(filepath.Join(dir, "work"))
	require.NoError(t, err)

	cfg.Binary = src
	return scan.NewClamScanner(ws, cfg, nil), ws
}

func stageFile(t *testing.T, ws *storage.Workspace) string {
	t.Helper()
	path, err := ws.ObjectPath("uploads", "some/key.bin")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	return path
}

func requireRemoved(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist), "scanned file must be removed, stat err: %v", err)
}

func TestScanClean(t *testing.T) {
	s, ws := newScanner(t, "echo \"$1\" >/dev/null\nexit 0\n", scan.ClamScannerConfig{})
	path := stageFile(t, ws)

	outcome, err := s.Scan(t.Context(), path)
	require.NoError(t, err)
	require.False(t, outcome.Infected)
	requireRemoved(t, path)

	info, err := os.Stat(ws.BinaryPath("clamscan"))
	require.NoError(t, err, "binary must be provisioned into the workspace")
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestScanInfected(t *testing.T) {
	script := `for last; do :; done
echo "Scanning $last"
echo "$last: Win.Test.EICAR_HDB-1 FOUND"
echo "$last: Eicar-Test-Signature FOUND"
echo "----------- SCAN SUMMARY -----------"
exit 1
`
	s, ws := newScanner(t, script, scan.ClamScannerConfig{})
	path := stageFile(t, ws)

	outcome, err := s.Scan(t.Context(), path)
	require.NoError(t, err)
	require.Equal(t, scan.Outcome{Infected: true, VirusName: "Eicar-Test-Signature"}, outcome, "last detection wins")
	requireRemoved(t, path)
}

func TestScanInfectedWithoutName(t *testing.T) {
	s, ws := newScanner(t, "echo 'something odd'\nexit 1\n", scan.ClamScannerConfig{})
	path := stageFile(t, ws)

	outcome, err := s.Scan(t.Context(), path)
	require.NoError(t, err)
	require.True(t, outcome.Infected)
	require.Equal(t, scan.UnknownVirus, outcome.VirusName)
	requireRemoved(t, path)
}

func TestScanEngineFailure(t *testing.T) {
	s, ws := newScanner(t, "echo 'LibClamAV Error: cl_load(): No such file or directory' >&2\nexit 2\n", scan.ClamScannerConfig{})
	path := stageFile(t, ws)

	_, err := s.Scan(t.Context(), path)
	var engineErr *scan.EngineError
	require.True(t, errors.As(err, &engineErr), "expected *scan.EngineError, got %T", err)
	require.Equal(t, 2, engineErr.ExitCode)
	require.Contains(t, engineErr.Output, "cl_load")
	requireRemoved(t, path)
}

func TestScanKilledBySignal(t *testing.T) {
	s, ws := newScanner(t, "kill -9 $$\n", scan.ClamScannerConfig{})
	path := stageFile(t, ws)

	_, err := s.Scan(t.Context(), path)
	var engineErr *scan.EngineError
	require.True(t, errors.As(err, &engineErr), "expected *scan.EngineError, got %T", err)
	require.Equal(t, syscall.SIGKILL, engineErr.Signal)
	requireRemoved(t, path)
}

func TestScanTimeout(t *testing.T) {
	s, ws := newScanner(t, "exec sleep 10\n", scan.ClamScannerConfig{Timeout: 200 * time.Millisecond})
	path := stageFile(t, ws)

	start := time.Now()
	_, err := s.Scan(t.Context(), path)
	require.Less(t, time.Since(start), 5*time.Second, "timeout must stop the engine")

	var engineErr *scan.EngineError
	require.True(t, errors.As(err, &engineErr), "expected *scan.EngineError, got %T", err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	requireRemoved(t, path)
}

func TestScanPassesEngineArguments(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")

	s, ws := newScanner(t, "for a; do echo \"$a\"; done > "+argsFile+"\nexit 0\n", scan.ClamScannerConfig{
		MaxFileSize: 200000000,
		MaxScanSize: 200000000,
	})
	path := stageFile(t, ws)

	_, err := s.Scan(t.Context(), path)
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")

	require.Equal(t, []string{
		"-v",
		"-a",
		"--stdout",
		"--tempdir=" + ws.TempDir(),
		"--max-filesize=200000000",
		"--max-scansize=200000000",
		"-d", ws.DefinitionsDir(),
		path,
	}, args)
}

func TestScanMissingBinary(t *testing.T) {
	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	s := scan.NewClamScanner(ws, scan.ClamScannerConfig{Binary: filepath.Join(t.TempDir(), "nope")}, nil)
	path := stageFile(t, ws)

	_, err = s.Scan(t.Context(), path)
	var engineErr *scan.EngineError
	require.True(t, errors.As(err, &engineErr), "expected *scan.EngineError, got %T", err)
	requireRemoved(t, path)
}

func TestParseVirusName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   string
	}{
		{name: "empty", output: "", want: ""},
		{name: "clean", output: "/tmp/a: OK\n", want: ""},
		{name: "single", output: "/tmp/a: Eicar-Signature FOUND\n", want: "Eicar-Signature"},
		{name: "crlf", output: "/tmp/a: Eicar-Signature FOUND\r\n", want: "Eicar-Signature"},
		{name: "path with colon", output: "/tmp/a: b: Trojan.Agent FOUND", want: "Trojan.Agent"},
		{name: "last wins", output: "/tmp/a: One FOUND\n/tmp/a: Two FOUND\nsummary\n", want: "Two"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, scan.ParseVirusName(tc.output))
		})
	}
}

func TestEngineErrorMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "clamscan exited with code 2", (&scan.EngineError{Binary: "clamscan", ExitCode: 2}).Error())
	require.Equal(t, "freshclam terminated by signal killed", (&scan.EngineError{Binary: "freshclam", Signal: syscall.SIGKILL}).Error())
}
