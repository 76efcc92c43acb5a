package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// coalesceWindow matches §4.7: "coalesced at 1 s granularity".
const coalesceWindow = time.Second

// Watcher watches a workdir root and its .state subdirectory for
// changes to suibase.yaml and user_request, coalescing bursts of
// filesystem events into a single notification per window.
type Watcher struct {
	WorkdirRoot string
	Logger      *zap.SugaredLogger

	fsw *fsnotify.Watcher

	Changed chan struct{}
}

// NewWatcher constructs a Watcher rooted at workdirRoot. The caller
// must call Run to start watching and must Close when done.
func NewWatcher(workdirRoot string, logger *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(workdirRoot, ".state")
	if err := fsw.Add(workdirRoot); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(stateDir); err != nil && logger != nil {
		logger.Debugw("watch .state dir failed, continuing without it", "dir", stateDir, "error", err)
	}

	return &Watcher{
		WorkdirRoot: workdirRoot,
		Logger:      logger,
		fsw:         fsw,
		Changed:     make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// interestingFile reports whether name is one the admin controller
// cares about, per §4.7.
func interestingFile(name string) bool {
	base := filepath.Base(name)
	return base == "suibase.yaml" || base == "user_request"
}

// Run drains fsnotify events until ctx is cancelled, coalescing bursts
// into a debounced signal on Changed.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !interestingFile(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(coalesceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(coalesceWindow)
			}
			timerC = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.Logger != nil {
				w.Logger.Warnw("fsnotify error", "workdir", w.WorkdirRoot, "error", err)
			}

		case <-timerC:
			timerC = nil
			select {
			case w.Changed <- struct{}{}:
			default:
			}
		}
	}
}
