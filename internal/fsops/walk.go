package fsops

import (
	"context"
	"io/fs"
	"path/filepath"
)

// WalkEvent is one observation from a filesystem walk: either a file
// (Err nil, Info valid) or a per-path error (Err set, Path names the
// entry that failed). Per-path errors never terminate the walk.
type WalkEvent struct {
	Info ShallowInfo
	Path string
	Err  error
}

// Walk traverses the given roots and emits a WalkEvent for every
// regular file and every path that could not be accessed. Events are
// sent on the provided channel, blocking until the consumer takes each
// one; the channel's capacity is the walk's only in-flight buffer.
// Walk returns when all roots have been traversed, or early with the
// context's error if ctx is cancelled. Symlinks are not followed.
func Walk(ctx context.Context, roots []string, events chan<- WalkEvent) error {
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return emit(ctx, events, WalkEvent{Path: path, Err: err})
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return emit(ctx, events, WalkEvent{Path: path, Err: err})
			}
			return emit(ctx, events, WalkEvent{
				Info: NewShallowInfo(path, uint64(info.Size())),
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// emit sends one event, respecting cancellation while the consumer is
// busy.
func emit(ctx context.Context, events chan<- WalkEvent, ev WalkEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
