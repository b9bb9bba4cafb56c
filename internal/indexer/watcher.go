package indexer

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher recursively watches the indexer's roots and drains a pending set
// of changed paths after a quiet period, re-indexing them in one pass.
// Paths that vanished by re-index time are treated as deletes. Only .md and
// .jsonl paths are queued, so events on the index database (which may lie
// inside a watched root) restart the quiet-period timer but are never
// re-indexed.
type Watcher struct {
	idx          *Indexer
	watcher      *fsnotify.Watcher
	quietPeriod  time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	pending map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher builds a Watcher for idx's roots. Call Start to begin watching.
func NewWatcher(idx *Indexer, quietPeriod time.Duration, log *slog.Logger) (*Watcher, error) {
	if quietPeriod <= 0 {
		quietPeriod = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		idx:         idx,
		watcher:     fw,
		quietPeriod: quietPeriod,
		log:         log,
		pending:     make(map[string]bool),
		done:        make(chan struct{}),
	}

	for _, root := range idx.roots {
		w.addTree(root)
	}

	return w, nil
}

func (w *Watcher) addTree(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if addErr := w.watcher.Add(path); addErr != nil {
			w.log.Warn("watch directory", "path", path, "error", addErr)
		}
		return nil
	})
}

// Start launches the event loop. Call Close to stop it.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Close stops the watcher and releases its file descriptors.
func (w *Watcher) Close() error {
	close(w.done)
	w.wg.Wait()
	return w.watcher.Close()
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

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if isIndexable(event.Name) {
				w.mu.Lock()
				w.pending[event.Name] = true
				w.mu.Unlock()
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.quietPeriod)
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "error", err)

		case <-timerC:
			timerC = nil
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, p := range paths {
		if err := w.idx.IndexFile(p); err != nil {
			w.log.Warn("reindex after change", "path", p, "error", err)
		}
	}
}
