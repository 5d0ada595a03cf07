// Package watcher turns filesystem notifications into pass triggers
// for the agent's watch mode. It does not decide what changed, the
// metadata store does that during the pass; it only coalesces change
// bursts into a single "run another pass" signal.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the backup roots and emits a trigger after each
// debounced burst of changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	roots     []string
	debounce  time.Duration

	triggers chan struct{}
	errors   chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given roots. Changes are coalesced:
// a trigger fires only after the filesystem has been quiet for the
// debounce interval.
func New(roots []string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		roots:     roots,
		debounce:  debounce,
		triggers:  make(chan struct{}, 1),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Triggers returns the channel of pass triggers. At most one trigger
// is pending at a time; a burst during a running pass coalesces into
// the next one.
func (w *Watcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers all root directories (recursively) and begins
// watching.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return w.fsWatcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.triggers)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories must be registered to see their files.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsWatcher.Add(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.triggers <- struct{}{}:
			default:
				// A trigger is already pending; this burst folds into
				// it.
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}
