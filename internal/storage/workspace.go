package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

const (
	definitionsDirName = "definitions"
	objectsDirName     = "objects"
	binDirName         = "bin"
	tmpDirName         = "tmp"
)

// Workspace is the local working storage of the scanner. Everything it
// manages lives under a single root directory that is passed in explicitly,
// so tests can hand each instance its own isolated directory:
//
//	<root>/definitions/<name>            virus definition files
//	<root>/objects/<bucket>/<xx>/<hash>  downloaded objects awaiting a scan
//	<root>/bin/<name>                    provisioned engine binaries
//	<root>/tmp                           engine scratch space
//
// Object paths are addressed by the SHA-256 of the object key, with the
// first two hex characters used as a subdirectory prefix. Two distinct
// bucket/key pairs therefore never share a local path, and keys containing
// path separators or ".." cannot escape the root.
type Workspace struct {
	root string

	provisionMu sync.Mutex
}

// NewWorkspace creates a Workspace rooted at root and makes sure its
// directory layout exists.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	w := &Workspace{root: abs}
	for _, dir := range []string{w.DefinitionsDir(), w.ObjectsDir(), w.BinDir(), w.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}
	return w, nil
}

// Root returns the absolute root directory of the workspace.
func (w *Workspace) Root() string { return w.root }

// DefinitionsDir returns the directory holding the local definition files.
func (w *Workspace) DefinitionsDir() string { return filepath.Join(w.root, definitionsDirName) }

// ObjectsDir returns the directory downloaded objects are written to.
func (w *Workspace) ObjectsDir() string { return filepath.Join(w.root, objectsDirName) }

// BinDir returns the directory engine binaries are provisioned into.
func (w *Workspace) BinDir() string { return filepath.Join(w.root, binDirName) }

// TempDir returns the scratch directory handed to the scan engine.
func (w *Workspace) TempDir() string { return filepath.Join(w.root, tmpDirName) }

// DefinitionPath returns the local path of the named definition file.
func (w *Workspace) DefinitionPath(name string) string {
	return filepath.Join(w.DefinitionsDir(), filepath.Base(name))
}

// BinaryPath returns the provisioned location of the named binary.
func (w *Workspace) BinaryPath(name string) string {
	return filepath.Join(w.BinDir(), filepath.Base(name))
}

// ProvisionBinary makes the named engine binary available inside the
// workspace and returns the path to execute. The file at src is copied into
// BinDir once; later calls find it in place and do nothing. When src is
// empty the binary is looked up on PATH instead.
func (w *Workspace) ProvisionBinary(name string, src string) (string, error) {
	if src == "" {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("locate %s: %w", name, err)
		}
		return path, nil
	}

	w.provisionMu.Lock()
	defer w.provisionMu.Unlock()

	dest := w.BinaryPath(name)
	installed, err := InstallExecutable(src, dest)
	if err != nil {
		return "", fmt.Errorf("provision %s: %w", name, err)
	}
	if installed {
		slog.Info("Provisioned engine binary", "name", name, "src", src, "path", dest)
	}
	return dest, nil
}

// ObjectPath computes the local path used to stage the given object.
func (w *Workspace) ObjectPath(bucket string, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key must not be empty")
	}
	if filepath.Base(bucket) != bucket || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name: %q", bucket)
	}

	sum := sha256.Sum256([]byte(key))
	hashHex := hex.EncodeToString(sum[:])
	return filepath.Join(w.ObjectsDir(), bucket, hashHex[:2], hashHex), nil
}

// Sweep removes any staged object files left behind by a previous process,
// for example one that was killed in the middle of a transfer. It must only
// be called before any object processing starts.
func (w *Workspace) Sweep() (int, error) {
	removed := 0
	err := filepath.WalkDir(w.ObjectsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep objects dir: %w", err)
	}

	if removed > 0 {
		slog.Info("Removed stale object files", "count", removed, "dir", w.ObjectsDir())
	}
	return removed, nil
}
