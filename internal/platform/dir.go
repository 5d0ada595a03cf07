// Package platform wraps the OS-specific pieces of local state
// handling: creating the agent's private data directory with the right
// permissions, and locking it against a second agent instance. Each
// platform file exposes the same functions, so callers never see a
// build tag.
package platform

import (
	"fmt"
)

// CreationError reports that the private directory could not be
// created, or that the target exists and is not a directory.
type CreationError struct {
	Path string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("the directory %s could not be created: %v", e.Path, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// PermissionError reports that an existing private directory has
// unexpected permissions.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("the directory %s has unexpected permissions: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}
