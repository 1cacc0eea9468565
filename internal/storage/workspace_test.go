package storage_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clamgate/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestNewWorkspaceCreatesLayout(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "work")
	ws, err := storage.NewWorkspace(root)
	require.NoError(t, err, "NewWorkspace error")

	for _, dir := range []string{ws.DefinitionsDir(), ws.ObjectsDir(), ws.BinDir(), ws.TempDir()} {
		info, err := os.Stat(dir)
		require.NoErrorf(t, err, "expected %s to exist", dir)
		require.True(t, info.IsDir(), "workspace path should be a directory")
	}
}

func TestNewWorkspaceEmptyRoot(t *testing.T) {
	t.Parallel()

	_, err := storage.NewWorkspace("")
	require.Error(t, err, "expected error for empty root")
}

func TestObjectPathIsUniquePerBucketAndKey(t *testing.T) {
	t.Parallel()

	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err, "NewWorkspace error")

	p1, err := ws.ObjectPath("bucket-a", "uploads/file.txt")
	require.NoError(t, err)
	p2, err := ws.ObjectPath("bucket-b", "uploads/file.txt")
	require.NoError(t, err)
	p3, err := ws.ObjectPath("bucket-a", "uploads/other.txt")
	require.NoError(t, err)

	require.NotEqual(t, p1, p2, "same key in different buckets must not collide")
	require.NotEqual(t, p1, p3, "different keys in the same bucket must not collide")

	again, err := ws.ObjectPath("bucket-a", "uploads/file.txt")
	require.NoError(t, err)
	require.Equal(t, p1, again, "object path should be deterministic")
}

func TestObjectPathStaysInsideRoot(t *testing.T) {
	t.Parallel()

	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err, "NewWorkspace error")

	p, err := ws.ObjectPath("bucket", "../../../../etc/passwd")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p, ws.ObjectsDir()+string(filepath.Separator)), "path %q escaped the objects dir", p)

	_, err = ws.ObjectPath("../bucket", "key")
	require.Error(t, err, "expected error for bucket with separators")

	_, err = ws.ObjectPath("bucket", "")
	require.Error(t, err, "expected error for empty key")
}

func TestSweepRemovesStagedObjects(t *testing.T) {
	t.Parallel()

	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err, "NewWorkspace error")

	p, err := ws.ObjectPath("bucket", "partial.bin")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("half a file"), 0o644))

	def := ws.DefinitionPath("daily.cvd")
	require.NoError(t, os.WriteFile(def, []byte("defs"), 0o644))

	removed, err := ws.Sweep()
	require.NoError(t, err, "Sweep error")
	require.Equal(t, 1, removed, "removed count")

	_, err = os.Stat(p)
	require.True(t, os.IsNotExist(err), "staged object should be gone")
	require.FileExists(t, def, "definitions must survive a sweep")
}
