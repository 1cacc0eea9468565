package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {

	if srcPath == destPath {
		return nil
	}

	// NOTE: the destination has to go first. Linking over an existing file
	// fails, and copying over an existing hard link would truncate the
	// other name too.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, replacing destPath atomically when
// both live on the same filesystem.
func MoveFile(srcPath string, destPath string) error {
	if err := os.Rename(srcPath, destPath); err != nil {

		// If the source file lives on a different filesystem, fall back to
		// copying its contents into place instead of renaming.
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if copyErr := CopyOrLinkFile(srcPath, destPath); copyErr != nil {
				return copyErr
			}

			// Best-effort cleanup of the source file; ignore ENOENT in case
			// it was moved or removed it.
			if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		return err
	}

	return nil
}

// InstallExecutable copies the binary at srcPath to destPath and marks it
// executable, unless destPath already holds a regular file. It returns true
// when a copy was made. The copy is staged next to destPath and renamed
// into place so a concurrent reader never observes a partial binary.
func InstallExecutable(srcPath string, destPath string) (bool, error) {
	if info, err := os.Stat(destPath); err == nil && info.Mode().IsRegular() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return false, fmt.Errorf("create install dir: %w", err)
	}

	staged := destPath + ".install"
	if err := CopyFile(srcPath, staged); err != nil {
		_ = os.Remove(staged)
		return false, fmt.Errorf("copy %s: %w", srcPath, err)
	}

	if err := os.Chmod(staged, 0o755); err != nil {
		_ = os.Remove(staged)
		return false, fmt.Errorf("chmod %s: %w", staged, err)
	}

	if err := MoveFile(staged, destPath); err != nil {
		_ = os.Remove(staged)
		return false, fmt.Errorf("install %s: %w", destPath, err)
	}

	return true, nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
