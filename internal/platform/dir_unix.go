//go:build !windows

package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// PrivateDirectory creates the directory at root with mode 0700, or
// verifies that an existing directory already has exactly that mode.
// A plain file at the path, or a directory readable by others, is
// rejected: the metadata database and key material live here.
func PrivateDirectory(root string) error {
	err := os.Mkdir(root, 0700)
	if err == nil {
		// Mkdir's mode is filtered through the umask; force the exact
		// permissions.
		if err := os.Chmod(root, 0700); err != nil {
			return &CreationError{Path: root, Err: err}
		}
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return &CreationError{Path: root, Err: err}
	}

	info, err := os.Stat(root)
	if err != nil {
		return &CreationError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return &CreationError{Path: root, Err: errors.New("target exists but is not a directory")}
	}
	if mode := info.Mode().Perm(); mode != 0700 {
		return &PermissionError{Path: root, Err: fmt.Errorf("unexpected mode %o", mode)}
	}
	return nil
}
