package syncbridge

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher observes a directory of queue snapshot files and invokes
// onChange after edits settle. Another process rewriting a snapshot
// triggers a refresh without polling.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func()
}

func NewWatcher(root string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{root: root, debounce: debounce, onChange: onChange}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.root); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Debug().Err(err).Str("root", w.root).Msg("queue watcher error")
		case <-timer.C:
			pending = false
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// relevant filters out the temp files written before the atomic rename.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.Contains(name, ".tmp-") {
		return false
	}
	return strings.HasSuffix(name, ".json")
}
