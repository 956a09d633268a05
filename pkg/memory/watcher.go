package memory

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher watches note directories and reports changed directories in debounced batches
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func(dirs []string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
	watched map[string]struct{}
	stopCh  chan struct{}
	once    sync.Once
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(logger zerolog.Logger, debounce time.Duration, onDirty func(dirs []string)) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		onDirty:  onDirty,
		debounce: debounce,
		pending:  make(map[string]struct{}),
		watched:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}

	go fw.run()

	return fw, nil
}

// Watch starts watching a directory. Watching the same directory twice is a no-op.
func (fw *FileWatcher) Watch(path string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.watched[path]; ok {
		return nil
	}
	if err := fw.watcher.Add(path); err != nil {
		return err
	}
	fw.watched[path] = struct{}{}
	return nil
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	var err error
	fw.once.Do(func() {
		close(fw.stopCh)
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
	})
	return err
}

// run processes file system events
func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// markdown edits, plus new directories that may hold notes later
			isNote := strings.HasSuffix(strings.ToLower(event.Name), ".md")
			if !isNote && !event.Has(fsnotify.Create) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("File change detected")

				fw.scheduleMarkDirty(filepath.Dir(event.Name))
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

// scheduleMarkDirty debounces the mark dirty operation
func (fw *FileWatcher) scheduleMarkDirty(dir string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.pending[dir] = struct{}{}
	if fw.timer != nil {
		fw.timer.Stop()
	}

	fw.timer = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		dirs := make([]string, 0, len(fw.pending))
		for d := range fw.pending {
			dirs = append(dirs, d)
		}
		fw.pending = make(map[string]struct{})
		fw.mu.Unlock()

		fw.logger.Debug().Int("dirs", len(dirs)).Msg("Marking memory index dirty after file changes")
		fw.onDirty(dirs)
	})
}
