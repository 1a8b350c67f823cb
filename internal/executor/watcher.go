package executor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loomctl/loom/internal/errkind"
)

// Watcher observes a task's work directory during execution and records
// every file the agent touches, whether or not the response mentions
// it. Deliverable assessment merges these with the paths extracted from
// response text.
type Watcher struct {
	fw   *fsnotify.Watcher
	root string

	mu   sync.Mutex
	seen map[string]bool
}

// WatchWorkDir starts watching root and its subdirectories. Hidden
// directories are skipped; new subdirectories created during execution
// are picked up as they appear.
func WatchWorkDir(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Unavailable, "executor", "start file watcher")
	}

	w := &Watcher{fw: fw, root: root, seen: make(map[string]bool)}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
	if err != nil {
		fw.Close()
		return nil, errkind.Wrap(err, errkind.Unavailable, "executor", "watch %s", root)
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.record(ev.Name)
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// record classifies the event target: new directories join the watch,
// files join the seen set keyed by their path relative to the root.
func (w *Watcher) record(name string) {
	info, err := os.Stat(name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if !strings.HasPrefix(filepath.Base(name), ".") {
			_ = w.fw.Add(name)
		}
		return
	}

	rel, err := filepath.Rel(w.root, name)
	if err != nil || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, ".") {
		return
	}
	w.mu.Lock()
	w.seen[rel] = true
	w.mu.Unlock()
}

// Files returns the paths observed so far, sorted, relative to the
// watched root.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.seen))
	for f := range w.seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
