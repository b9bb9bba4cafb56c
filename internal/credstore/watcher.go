package credstore

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher debounces filesystem events on a credential directory and invokes
// onSettle once per quiet period, regardless of how many events fired
// during it. Modeled on the hot-reload debounce shape used by credential
// managers elsewhere in the ecosystem (reload channel + single timer,
// reset on every event rather than firing per-event).
type watcher struct {
	fsw      *fsnotify.Watcher
	done     chan struct{}
	debounce time.Duration
}

func newWatcher(dir string, debounce time.Duration, onSettle func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{fsw: fsw, done: make(chan struct{}), debounce: debounce}
	go w.run(onSettle)
	return w, nil
}

func (w *watcher) run(onSettle func()) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-w.fswTimerC(timer):
			onSettle()
			timer = nil
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// fswTimerC returns t.C, or a nil channel (which blocks forever) when t is
// nil, so the select above can be written without a nested select.
func (w *watcher) fswTimerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (w *watcher) Close() {
	close(w.done)
	w.fsw.Close()
}
