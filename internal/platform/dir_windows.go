//go:build windows

package platform

import (
	"errors"
	"io/fs"
	"os"
)

// PrivateDirectory creates the directory at root, or accepts an
// existing one. Windows access control is inherited from the parent
// rather than expressed in the mode bits, so no permission check is
// performed here.
func PrivateDirectory(root string) error {
	err := os.Mkdir(root, 0700)
	if err == nil {
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
	return nil
}
