package tailer

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
)

// Watcher turns filesystem activity on the game log into wake-ups for the
// poll loop. It never reads the log itself; Poll stays the only reader.
type Watcher struct {
	watcher *fsnotify.Watcher
	names   map[string]bool
	wakeCh  chan struct{}
	logger  *logging.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches the directories holding the given files. Watching the
// directory rather than the file survives the game recreating the log.
func NewWatcher(paths []string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if logger == nil {
		logger = logging.Nop()
	}

	w := &Watcher{
		watcher: fw,
		names:   make(map[string]bool),
		wakeCh:  make(chan struct{}, 1),
		logger:  logger.WithComponent("watcher"),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		w.names[clean] = true
		dirs[filepath.Dir(clean)] = true
	}

	added := 0
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			continue
		}
		added++
	}
	if added == 0 {
		fw.Close()
		return nil, fmt.Errorf("no watchable directories for %v", paths)
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Wake returns a channel that receives when a watched file changed. Wake-ups
// coalesce: many writes between two polls produce one signal.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wakeCh
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Log activity")
			select {
			case w.wakeCh <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.done:
			return
		}
	}
}
