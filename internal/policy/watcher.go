package policy

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 500 * time.Millisecond

type ChangeHandler func(path string)

// FileWatcher calls handler once a burst of changes to matching files in dir settles.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	exts    map[string]struct{}
	handler ChangeHandler
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func NewFileWatcher(dir string, handler ChangeHandler, exts ...string) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher: watcher,
		dir:     dir,
		exts:    make(map[string]struct{}, len(exts)),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, ext := range exts {
		fw.exts[strings.ToLower(ext)] = struct{}{}
	}

	go fw.watch()

	return fw, nil
}

func (fw *FileWatcher) Close() error {
	close(fw.done)

	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	return fw.watcher.Close()
}

func (fw *FileWatcher) watch() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fw.shouldHandle(event) {
				fw.schedule(event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("watcher error")

		case <-fw.done:
			return
		}
	}
}

// schedule restarts the debounce timer; only the last path of a burst is reported.
func (fw *FileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(debounceDelay, func() {
		select {
		case <-fw.done:
			return
		default:
		}
		fw.handler(path)
	})
}

func (fw *FileWatcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	if len(fw.exts) == 0 {
		return true
	}
	_, ok := fw.exts[strings.ToLower(filepath.Ext(event.Name))]
	return ok
}
