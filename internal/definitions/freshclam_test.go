package definitions_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"clamgate/internal/definitions"
	"clamgate/internal/scan"
	"clamgate/internal/storage"

	"github.com/stretchr/testify/require"
)

func newFreshclam(t *testing.T, script string, configFile string) (*definitions.FreshclamRefresher, *storage.Workspace) {
	t.Helper()

	dir := t.TempDir()
	src := filepath.Join(dir, "fake-freshclam")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"+script), 0o755))

	ws, err := storage.NewWorkspace(filepath.Join(dir, "work"))
	require.NoError(t, err)

	return definitions.NewFreshclamRefresher(ws, definitions.FreshclamConfig{Binary: src, ConfigFile: configFile}), ws
}

func TestFreshclamExitCodes(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		wantUpdated bool
		wantErr     bool
		wantSignal  syscall.Signal
	}{
		{name: "current", script: "exit 0\n"},
		{name: "updated", script: "exit 1\n", wantUpdated: true},
		{name: "failure", script: "echo 'Cannot connect to mirror' >&2\nexit 2\n", wantErr: true},
		{name: "killed", script: "kill -9 $$\n"},
		{name: "terminated", script: "kill -TERM $$\n", wantErr: true, wantSignal: syscall.SIGTERM},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newFreshclam(t, tc.script, "")

			updated, err := r.Refresh(t.Context())
			require.Equal(t, tc.wantUpdated, updated)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}

			var engineErr *scan.EngineError
			require.True(t, errors.As(err, &engineErr), "expected *scan.EngineError, got %T", err)
			require.Equal(t, "freshclam", engineErr.Binary)
			require.Equal(t, tc.wantSignal, engineErr.Signal)
		})
	}
}

func TestFreshclamArguments(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	r, ws := newFreshclam(t, "for a; do echo \"$a\"; done > "+argsFile+"\nexit 0\n", "/etc/clamgate/freshclam.conf")

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Equal(t, []string{
		"--config-file=/etc/clamgate/freshclam.conf",
		"-v",
		"--datadir=" + ws.DefinitionsDir(),
	}, strings.Split(strings.TrimSpace(string(raw)), "\n"))

	// Provisioning happens once; a second run reuses the installed copy.
	info, err := os.Stat(ws.BinaryPath("freshclam"))
	require.NoError(t, err)
	_, err = r.Refresh(t.Context())
	require.NoError(t, err)
	again, err := os.Stat(ws.BinaryPath("freshclam"))
	require.NoError(t, err)
	require.Equal(t, info.ModTime(), again.ModTime())
}
